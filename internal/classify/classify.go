// Package classify turns a fetched payload into cataloged files: it
// sniffs the real content type, extracts archives, picks the primary
// model file, and lands everything on disk under content-addressed
// names.
package classify

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/coff33ninja/vrm-auto-scraper/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// ErrStorage covers create, write, and rename failures while landing
// files. Sniffing and extraction oddities are never errors, they become
// record notes instead.
var ErrStorage = errors.New("filesystem error")

// Magic prefixes for the formats we recognize.
var (
	magicGLTF  = []byte("glTF")
	magicZip   = []byte{0x50, 0x4b, 0x03, 0x04}
	magicRar   = []byte("Rar!\x1a\x07")
	magic7z    = []byte{0x37, 0x7a, 0xbc, 0xaf, 0x27, 0x1c}
	magicFBX   = []byte("Kaydara FBX Binary")
	magicBlend = []byte("BLENDER")
)

// vrmMarkers appear in the JSON chunk of a glb container that carries a
// VRM extension (0.x uses "VRM", 1.0 uses "VRMC_vrm").
var vrmMarkers = [][]byte{[]byte(`"VRM"`), []byte(`"VRMC_vrm"`)}

// primaryPreference orders candidate extensions when picking the main
// model file out of an archive.
var primaryPreference = []string{"vrm", "glb", "gltf", "fbx", "obj", "blend"}

// accessoryKeywords mark archive entries that are clothing or props
// rather than a full avatar. Matched case-insensitively against the
// base file name.
var accessoryKeywords = []string{
	"hair", "cloth", "outfit", "dress", "skirt", "costume",
	"accessor", "prop", "weapon", "shoe", "boot", "hat", "glasses",
}

// Classifier lands classified payloads under a raw/ and extracted/
// directory pair.
type Classifier struct {
	rawDir     string
	extractDir string
}

// New creates a Classifier rooted at dataRoot.
func New(dataRoot string) (*Classifier, error) {
	c := &Classifier{
		rawDir:     filepath.Join(dataRoot, "raw"),
		extractDir: filepath.Join(dataRoot, "extracted"),
	}
	for _, dir := range []string{c.rawDir, c.extractDir} {
		if !helpers.CheckAndMakeDir(dir) {
			return nil, fmt.Errorf("%w: creating %s", ErrStorage, dir)
		}
	}
	return c, nil
}

// File is one landed file with its identity.
type File struct {
	Path        string
	FileType    string
	SizeBytes   int64
	ContentHash string
}

// Result is the outcome of classifying one payload. Primary is always
// set; Extras holds additional avatar files found in an archive, each
// worth its own catalog record.
type Result struct {
	Primary File

	// OriginalFormat is what the payload actually was on the wire
	// (e.g. "zip" when the primary .vrm came out of an archive).
	OriginalFormat string

	Notes  []string
	Extras []File
}

// Sniff determines the content type from magic bytes. It returns ""
// when no known signature matches.
func Sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, magicGLTF):
		for _, marker := range vrmMarkers {
			if bytes.Contains(data, marker) {
				return "vrm"
			}
		}
		return "glb"
	case bytes.HasPrefix(data, magicZip):
		return "zip"
	case bytes.HasPrefix(data, magicRar):
		return "rar"
	case bytes.HasPrefix(data, magic7z):
		return "7z"
	case bytes.HasPrefix(data, magicFBX):
		return "fbx"
	case bytes.HasPrefix(data, magicBlend):
		return "blend"
	}
	return ""
}

// Process classifies payload and lands it on disk. formatHint is the
// provider's declared format; the sniffed type wins when they disagree,
// with the mismatch recorded as a note.
func (c *Classifier) Process(source, modelID string, payload []byte, formatHint string) (Result, error) {
	var res Result

	hint := strings.ToLower(strings.TrimPrefix(formatHint, "."))
	sniffed := Sniff(payload)

	fileType := sniffed
	switch {
	case sniffed == "":
		if hint != "" {
			fileType = hint
			res.Notes = append(res.Notes, fmt.Sprintf("content signature not recognized, trusting declared format %q", hint))
		} else {
			fileType = "bin"
			res.Notes = append(res.Notes, "content signature not recognized and no format declared")
		}
	case hint != "" && hint != sniffed && !(hint == "vrm" && sniffed == "glb") && !(hint == "glb" && sniffed == "vrm"):
		res.Notes = append(res.Notes, fmt.Sprintf("declared format %q but content is %q", hint, sniffed))
	}

	if fileType == "zip" {
		return c.processArchive(source, modelID, payload, hint, res)
	}

	path, err := c.landFile(c.rawDir, source, modelID+"."+fileType, payload)
	if err != nil {
		return res, err
	}
	res.Primary = File{
		Path:        path,
		FileType:    fileType,
		SizeBytes:   int64(len(payload)),
		ContentHash: helpers.Blake3Hex(payload),
	}
	res.OriginalFormat = fileType

	switch fileType {
	case "glb", "gltf":
		res.Notes = append(res.Notes, "glTF asset without VRM extension; convert with UniVRM or VRM Add-on for Blender to use as an avatar")
	case "fbx", "obj", "blend":
		res.Notes = append(res.Notes, fmt.Sprintf("%s source asset; requires rigging review and VRM export", fileType))
	case "rar", "7z":
		res.Notes = append(res.Notes, fmt.Sprintf("%s archive stored as-is; extract manually to inspect contents", fileType))
	}
	return res, nil
}

// processArchive extracts a zip payload, picks the primary model file,
// and catalogs any further avatars it finds. Every entry name goes into
// the notes so the archive stays traceable after extraction.
func (c *Classifier) processArchive(source, modelID string, payload []byte, hint string, res Result) (Result, error) {
	res.OriginalFormat = "zip"

	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		// Trust the magic bytes but not the archive structure: keep the
		// raw payload so nothing is lost.
		res.Notes = append(res.Notes, fmt.Sprintf("zip archive could not be read (%v); stored unextracted", err))
		path, landErr := c.landFile(c.rawDir, source, modelID+".zip", payload)
		if landErr != nil {
			return res, landErr
		}
		res.Primary = File{
			Path:        path,
			FileType:    "zip",
			SizeBytes:   int64(len(payload)),
			ContentHash: helpers.Blake3Hex(payload),
		}
		return res, nil
	}

	destDir := filepath.Join(c.extractDir, source, helpers.ConvertToSlug(modelID))
	if !helpers.CheckAndMakeDir(destDir) {
		return res, fmt.Errorf("%w: creating %s", ErrStorage, destDir)
	}

	type extracted struct {
		path string
		ext  string
		data []byte
	}
	var candidates []extracted

	var entryNames []string
	byExt := make(map[string][]string)
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		entryNames = append(entryNames, entry.Name)
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name)), ".")
		if isModelExt(ext) {
			byExt[ext] = append(byExt[ext], entry.Name)
		}
	}
	if len(entryNames) > 0 {
		res.Notes = append(res.Notes, "archive contents: "+strings.Join(entryNames, ", "))
	}

	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(entry.Name)
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")

		if ext == "pmx" || ext == "pmd" {
			res.Notes = append(res.Notes, fmt.Sprintf("skipped MMD file %s (not convertible automatically)", entry.Name))
			continue
		}
		if isMetadataEntry(name, ext) {
			if note := metadataNote(entry); note != "" {
				res.Notes = append(res.Notes, note)
			}
			continue
		}
		if !isModelExt(ext) {
			continue
		}
		if kw := accessoryKeyword(name); kw != "" {
			res.Notes = append(res.Notes, fmt.Sprintf("skipped %s (accessory keyword %q)", entry.Name, kw))
			continue
		}

		data, err := readZipEntry(entry)
		if err != nil {
			res.Notes = append(res.Notes, fmt.Sprintf("could not extract %s: %v", entry.Name, err))
			continue
		}

		path, err := c.landFile(destDir, "", name, data)
		if err != nil {
			return res, err
		}
		candidates = append(candidates, extracted{path: path, ext: ext, data: data})
	}

	// Without a VRM the archive needs manual work; inventory the other
	// model formats so the follow-up is obvious from the record alone.
	if len(byExt["vrm"]) == 0 {
		for _, ext := range primaryPreference {
			if ext == "vrm" {
				continue
			}
			if names := byExt[ext]; len(names) > 0 {
				res.Notes = append(res.Notes, fmt.Sprintf("%s files in archive: %s", ext, strings.Join(names, ", ")))
			}
		}
	}

	primaryIdx := pickPrimary(candidates, hint, func(e extracted) string { return e.ext })
	if primaryIdx < 0 {
		// No usable model inside: keep the archive itself.
		res.Notes = append(res.Notes, "no model file found in archive; stored unextracted for manual conversion")
		path, err := c.landFile(c.rawDir, source, modelID+".zip", payload)
		if err != nil {
			return res, err
		}
		res.Primary = File{
			Path:        path,
			FileType:    "zip",
			SizeBytes:   int64(len(payload)),
			ContentHash: helpers.Blake3Hex(payload),
		}
		return res, nil
	}

	for i, cand := range candidates {
		f := File{
			Path:        cand.path,
			FileType:    cand.ext,
			SizeBytes:   int64(len(cand.data)),
			ContentHash: helpers.Blake3Hex(cand.data),
		}
		if i == primaryIdx {
			res.Primary = f
			continue
		}
		// Only further full avatars get their own records.
		if cand.ext == "vrm" {
			res.Extras = append(res.Extras, f)
		}
	}

	if res.Primary.FileType != "vrm" {
		res.Notes = append(res.Notes, fmt.Sprintf("primary file is %s; convert with UniVRM or VRM Add-on for Blender to use as an avatar", res.Primary.FileType))
	}
	return res, nil
}

// SaveThumbnail lands a preview image next to the raw files. ext is
// taken from the thumbnail URL, defaulting to jpg.
func (c *Classifier) SaveThumbnail(source, modelID, thumbURL string, data []byte) (string, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(stripQuery(thumbURL))), ".")
	if ext == "" {
		ext = "jpg"
	}
	return c.landFile(c.rawDir, source, modelID+"_thumb."+ext, data)
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// landFile writes data to dir (optionally namespaced by source) via a
// temp file in the same directory, renamed into place once fully
// written.
func (c *Classifier) landFile(dir, source, name string, data []byte) (string, error) {
	if source != "" {
		dir = filepath.Join(dir, source)
	}
	if !helpers.CheckAndMakeDir(dir) {
		return "", fmt.Errorf("%w: creating %s", ErrStorage, dir)
	}
	finalPath := filepath.Join(dir, helpers.ConvertToSlug(name))

	tempFile, err := os.CreateTemp(dir, name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file in %s: %v", ErrStorage, dir, err)
	}
	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("%w: writing temp file %s: %v", ErrStorage, tempName, err)
	}
	// Close before rename so the bytes are flushed.
	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing temp file %s: %v", ErrStorage, tempName, err)
	}
	if err := os.Rename(tempName, finalPath); err != nil {
		return "", fmt.Errorf("%w: renaming %s to %s: %v", ErrStorage, tempName, finalPath, err)
	}
	cleanup = false

	log.Debugf("Landed %s (%s)", finalPath, helpers.BytesToSize(uint64(len(data))))
	return finalPath, nil
}

func readZipEntry(entry *zip.File) ([]byte, error) {
	rc, err := entry.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func isModelExt(ext string) bool {
	for _, known := range primaryPreference {
		if ext == known {
			return true
		}
	}
	return false
}

func accessoryKeyword(name string) string {
	lower := strings.ToLower(name)
	for _, kw := range accessoryKeywords {
		if strings.Contains(lower, kw) {
			return kw
		}
	}
	return ""
}

// metadataTruncateAt caps how much of an archive text file is carried
// into the notes.
const metadataTruncateAt = 2000

// isMetadataEntry matches the descriptive files archives commonly ship
// alongside the model: manifests, readmes, and license texts.
func isMetadataEntry(name, ext string) bool {
	switch ext {
	case "json", "txt":
		return true
	}
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "readme") || strings.HasPrefix(lower, "license")
}

// metadataNote reads a metadata entry and folds its text into a note,
// truncated. Binary or unreadable entries yield "".
func metadataNote(entry *zip.File) string {
	data, err := readZipEntry(entry)
	if err != nil || !utf8.Valid(data) {
		return ""
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return ""
	}
	if len(text) > metadataTruncateAt {
		cut := metadataTruncateAt
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + " [truncated]"
	}
	return fmt.Sprintf("archive metadata %s: %s", entry.Name, text)
}

// pickPrimary returns the index of the best candidate, trying the
// declared format first and then the fixed extension preference. -1
// when there are none.
func pickPrimary[T any](candidates []T, hint string, ext func(T) string) int {
	prefs := primaryPreference
	if hint != "" && isModelExt(hint) {
		prefs = append([]string{hint}, prefs...)
	}
	for _, pref := range prefs {
		for i, cand := range candidates {
			if ext(cand) == pref {
				return i
			}
		}
	}
	return -1
}
