// Package fingerprint derives stable cache identities for (document, options)
// pairs.
package fingerprint

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/models"
)

const (
	DefaultFullHashLimit = 8 << 20
	DefaultSampleSize    = 1 << 20
)

// Config bounds how much content is read per fingerprint.
//
// FullHashLimit: inputs up to this size are hashed completely.
// SampleSize:    bytes read from head, middle and tail of larger inputs.
type Config struct {
	FullHashLimit int64
	SampleSize    int64
}

// Fingerprinter is stateless apart from its configuration and is safe for
// concurrent use.
type Fingerprinter struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Fingerprinter {
	if cfg.FullHashLimit <= 0 {
		cfg.FullHashLimit = DefaultFullHashLimit
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = DefaultSampleSize
	}
	if cfg.SampleSize*3 > cfg.FullHashLimit {
		cfg.SampleSize = cfg.FullHashLimit / 3
	}
	return &Fingerprinter{cfg: cfg, logger: logging.OrNop(logger).Named("fingerprint")}
}

// Profile is the resolved configuration a result depends on beyond the
// caller's options: the pattern expressions a named set expands to and the
// settings that shape pages and windows.
type Profile struct {
	Patterns     map[string]string
	Strategy     string
	LinesPerPage int
	ScanChunk    int
	ScanOverlap  int
}

// Generate returns the fingerprint of src under opts with an empty profile.
func (f *Fingerprinter) Generate(src models.Source, opts models.Options) (models.Fingerprint, error) {
	return f.GenerateFor(src, opts, Profile{})
}

// GenerateFor returns the fingerprint of src under opts and prof. File
// sources whose content cannot be read fall back to a metadata fingerprint
// (m1- prefix); an error is returned only when not even the metadata is
// available.
func (f *Fingerprinter) GenerateFor(src models.Source, opts models.Options, prof Profile) (models.Fingerprint, error) {
	canon, err := canonical(opts, prof)
	if err != nil {
		return "", err
	}

	h := newHash()
	writeField(h, "name", []byte(src.Name))
	writeField(h, "options", canon)

	switch src.Kind {
	case models.SourceFile:
		if err := f.hashFile(h, src.Path); err != nil {
			f.logger.Warn("content unreadable, using metadata fingerprint",
				zap.String("path", src.Path), zap.Error(err))
			return f.metadataFingerprint(src.Path, canon)
		}
	case models.SourceBytes:
		_ = f.hashReaderAt(h, bytes.NewReader(src.Data), int64(len(src.Data)))
	case models.SourceText:
		_ = f.hashReaderAt(h, strings.NewReader(src.Text), int64(len(src.Text)))
	case models.SourceRecords:
		// json.Marshal sorts map keys, which makes the encoding canonical.
		raw, err := json.Marshal(src.Records)
		if err != nil {
			return "", fmt.Errorf("encode records: %w", err)
		}
		_ = f.hashReaderAt(h, bytes.NewReader(raw), int64(len(raw)))
	case models.SourceObject:
		return "", fmt.Errorf("%w: object sources must be resolved before fingerprinting", models.ErrInvalidSource)
	default:
		return "", fmt.Errorf("%w: unknown kind %q", models.ErrInvalidSource, src.Kind)
	}

	return models.Fingerprint(models.ContentFingerprintPrefix + hex.EncodeToString(h.Sum(nil))), nil
}

// CanonicalOptions serialises the output-changing options with sorted keys.
func CanonicalOptions(opts models.Options) ([]byte, error) {
	return canonical(opts, Profile{})
}

func canonical(opts models.Options, prof Profile) ([]byte, error) {
	canon := map[string]any{
		"extract_tables": opts.ExtractTables,
		"extract_text":   opts.ExtractText,
		"patterns":       sortedCopy(opts.Patterns),
		"pattern_set":    opts.PatternSet,
		"params":         sortedCopy(opts.Params),
		"profile": map[string]any{
			"patterns":       sortedCopy(prof.Patterns),
			"strategy":       prof.Strategy,
			"lines_per_page": prof.LinesPerPage,
			"scan_chunk":     prof.ScanChunk,
			"scan_overlap":   prof.ScanOverlap,
		},
	}
	raw, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return raw, nil
}

func (f *Fingerprinter) hashFile(h hash.Hash, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	return f.hashReaderAt(h, file, info.Size())
}

// hashReaderAt hashes everything for small inputs and head/middle/tail
// samples plus the total size for large ones.
func (f *Fingerprinter) hashReaderAt(h hash.Hash, r io.ReaderAt, size int64) error {
	var sz [8]byte
	binary.BigEndian.PutUint64(sz[:], uint64(size))
	writeField(h, "size", sz[:])

	if size <= f.cfg.FullHashLimit {
		_, err := io.Copy(h, io.NewSectionReader(r, 0, size))
		return err
	}

	sample := f.cfg.SampleSize
	offsets := []int64{0, size/2 - sample/2, size - sample}
	for _, off := range offsets {
		if _, err := io.Copy(h, io.NewSectionReader(r, off, sample)); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fingerprinter) metadataFingerprint(path string, canon []byte) (models.Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	h := newHash()
	writeField(h, "path", []byte(path))
	writeField(h, "size", []byte(fmt.Sprint(info.Size())))
	writeField(h, "mtime", []byte(fmt.Sprint(info.ModTime().UnixNano())))
	writeField(h, "options", canon)
	return models.Fingerprint(models.MetadataFingerprintPrefix + hex.EncodeToString(h.Sum(nil))), nil
}

func newHash() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		// only possible with an oversized key
		panic(err)
	}
	return h
}

// writeField frames each field with its label and length so that adjacent
// fields cannot collide.
func writeField(h hash.Hash, label string, value []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(value)))
	h.Write([]byte(label))
	h.Write(n[:])
	h.Write(value)
}

func sortedCopy(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(m))
	for _, k := range keys {
		out[k] = m[k]
	}
	return out
}
