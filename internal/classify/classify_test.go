package classify

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coff33ninja/vrm-auto-scraper/internal/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func glbPayload(withVRM bool) []byte {
	jsonChunk := `{"asset":{"version":"2.0"}}`
	if withVRM {
		jsonChunk = `{"asset":{"version":"2.0"},"extensions":{"VRM":{}}}`
	}
	var buf bytes.Buffer
	buf.WriteString("glTF")
	buf.Write([]byte{2, 0, 0, 0})             // version
	buf.Write([]byte{0, 0, 0, 0})             // total length, unused here
	buf.Write([]byte{byte(len(jsonChunk)), 0, 0, 0}) // chunk length
	buf.WriteString("JSON")
	buf.WriteString(jsonChunk)
	return buf.Bytes()
}

func zipPayload(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"vrm marker in glb", glbPayload(true), "vrm"},
		{"plain glb", glbPayload(false), "glb"},
		{"zip", []byte{0x50, 0x4b, 0x03, 0x04, 0x00}, "zip"},
		{"rar", []byte("Rar!\x1a\x07\x00rest"), "rar"},
		{"7z", []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c, 0x00}, "7z"},
		{"fbx binary", []byte("Kaydara FBX Binary  \x00"), "fbx"},
		{"blend", []byte("BLENDER-v300"), "blend"},
		{"unknown", []byte("whatever this is"), ""},
		{"empty", nil, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Sniff(tc.data))
		})
	}
}

func TestProcessDirectVRM(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := glbPayload(true)
	res, err := c.Process("vroid", "42", payload, "vrm")
	require.NoError(t, err)

	assert.Equal(t, "vrm", res.Primary.FileType)
	assert.Equal(t, "vrm", res.OriginalFormat)
	assert.Equal(t, int64(len(payload)), res.Primary.SizeBytes)
	assert.Equal(t, helpers.Blake3Hex(payload), res.Primary.ContentHash)
	assert.Empty(t, res.Notes)
	assert.Empty(t, res.Extras)

	onDisk, err := os.ReadFile(res.Primary.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
	assert.Equal(t, "vroid", filepath.Base(filepath.Dir(res.Primary.Path)))
}

func TestProcessMismatchBecomesNote(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	// Declared vrm, actually a plain zip. Sniffed type wins.
	payload := zipPayload(t, map[string][]byte{"readme.txt": []byte("hi")})
	res, err := c.Process("deviantart", "d-1", payload, "vrm")
	require.NoError(t, err)

	assert.Equal(t, "zip", res.OriginalFormat)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[0], `declared format "vrm"`)
}

func TestProcessGLBGetsConversionNote(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	res, err := c.Process("sketchfab", "uid1", glbPayload(false), "glb")
	require.NoError(t, err)
	assert.Equal(t, "glb", res.Primary.FileType)
	require.Len(t, res.Notes, 1)
	assert.Contains(t, res.Notes[0], "convert with UniVRM")
}

func TestProcessArchivePrefersVRMPrimary(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := zipPayload(t, map[string][]byte{
		"export/model.fbx":    []byte("Kaydara FBX Binary  \x00data"),
		"export/avatar.vrm":   glbPayload(true),
		"export/texture.png":  []byte("not a model"),
		"export/second.vrm":   glbPayload(true),
		"export/skirt.vrm":    glbPayload(true),
		"export/base.pmx":     []byte("PMX data"),
	})

	res, err := c.Process("deviantart", "d-2", payload, "zip")
	require.NoError(t, err)

	assert.Equal(t, "zip", res.OriginalFormat)
	assert.Equal(t, "vrm", res.Primary.FileType)

	// The second full avatar becomes an extra record; the accessory
	// and the MMD file are skipped with notes.
	require.Len(t, res.Extras, 1)
	assert.Equal(t, "vrm", res.Extras[0].FileType)

	joined := ""
	for _, n := range res.Notes {
		joined += n + "\n"
	}
	assert.Contains(t, joined, "skirt.vrm")
	assert.Contains(t, joined, "base.pmx")
}

func TestProcessArchiveWithoutModelKeepsArchive(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := zipPayload(t, map[string][]byte{
		"textures/skin.png": []byte("png data"),
		"README.md":         []byte("docs"),
	})

	res, err := c.Process("deviantart", "d-3", payload, "")
	require.NoError(t, err)

	assert.Equal(t, "zip", res.Primary.FileType)
	assert.Equal(t, "zip", res.OriginalFormat)
	assert.Contains(t, res.Primary.Path, ".zip")

	found := false
	joined := ""
	for _, n := range res.Notes {
		if n == "no model file found in archive; stored unextracted for manual conversion" {
			found = true
		}
		joined += n + "\n"
	}
	assert.True(t, found)

	// Even with no primary the contents stay traceable through the
	// notes, and the readme text rides along.
	assert.Contains(t, joined, "textures/skin.png")
	assert.Contains(t, joined, "README.md")
	assert.Contains(t, joined, "docs")

	onDisk, err := os.ReadFile(res.Primary.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)
}

func TestProcessArchiveRecordsAllEntries(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := zipPayload(t, map[string][]byte{
		"export/avatar.vrm":  glbPayload(true),
		"export/texture.png": []byte("not a model"),
	})

	res, err := c.Process("vroid", "v-1", payload, "zip")
	require.NoError(t, err)
	assert.Equal(t, "vrm", res.Primary.FileType)

	var contents string
	for _, n := range res.Notes {
		if strings.HasPrefix(n, "archive contents:") {
			contents = n
		}
	}
	require.NotEmpty(t, contents)
	assert.Contains(t, contents, "export/avatar.vrm")
	assert.Contains(t, contents, "export/texture.png")
}

func TestProcessArchiveHintedFormatWinsPrimary(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	payload := zipPayload(t, map[string][]byte{
		"rig/model.fbx":   []byte("Kaydara FBX Binary  \x00data"),
		"scene/scene.glb": glbPayload(false),
	})

	// The fixed preference would pick the glb; the declared format
	// steers the choice to the fbx.
	res, err := c.Process("deviantart", "d-4", payload, "fbx")
	require.NoError(t, err)
	assert.Equal(t, "fbx", res.Primary.FileType)

	joined := ""
	for _, n := range res.Notes {
		joined += n + "\n"
	}
	assert.Contains(t, joined, "glb files in archive: scene/scene.glb")
	assert.Contains(t, joined, "fbx files in archive: rig/model.fbx")
}

func TestProcessArchiveCapturesMetadataFiles(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	long := strings.Repeat("a", metadataTruncateAt+100)
	payload := zipPayload(t, map[string][]byte{
		"avatar.vrm":  glbPayload(true),
		"meta.json":   []byte(`{"author":"someone"}`),
		"LICENSE.txt": []byte(long),
		"blob.bin":    {0xff, 0xfe, 0x00},
	})

	res, err := c.Process("vroid", "v-2", payload, "zip")
	require.NoError(t, err)

	var metaNotes []string
	for _, n := range res.Notes {
		if strings.HasPrefix(n, "archive metadata") {
			metaNotes = append(metaNotes, n)
		}
	}
	require.Len(t, metaNotes, 2)

	joined := strings.Join(metaNotes, "\n")
	assert.Contains(t, joined, `"author":"someone"`)
	assert.Contains(t, joined, "[truncated]")
	for _, n := range metaNotes {
		assert.LessOrEqual(t, len(n), metadataTruncateAt+len("archive metadata LICENSE.txt:  [truncated]"))
	}
}

func TestProcessUnknownPayloadTrustsHint(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	res, err := c.Process("github", "x", []byte("opaque bytes"), "obj")
	require.NoError(t, err)
	assert.Equal(t, "obj", res.Primary.FileType)
	require.NotEmpty(t, res.Notes)
	assert.Contains(t, res.Notes[0], "trusting declared format")
}

func TestSaveThumbnail(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	path, err := c.SaveThumbnail("vroid", "42", "https://cdn.example.com/p/w300.png?token=abc", []byte("png bytes"))
	require.NoError(t, err)
	assert.Contains(t, path, "42_thumb.png")

	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png bytes"), onDisk)

	// No extension in the URL falls back to jpg.
	path, err = c.SaveThumbnail("vroid", "43", "https://cdn.example.com/thumb", []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Contains(t, path, "43_thumb.jpg")
}

func TestProcessUnknownPayloadWithoutHint(t *testing.T) {
	c, err := New(t.TempDir())
	require.NoError(t, err)

	res, err := c.Process("github", "y", []byte("opaque bytes"), "")
	require.NoError(t, err)
	assert.Equal(t, "bin", res.Primary.FileType)
}
