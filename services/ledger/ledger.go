// Package ledger exports invitations and relationships into a compressed,
// optionally age-encrypted archive, and loads fixture data through the
// membership workflow.
package ledger

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"

	"sitecrew/pkg/docstore"
	"sitecrew/services/membership"
)

const (
	manifestFileName      = "manifest.yaml"
	invitationsFileName   = "invitations.jsonl"
	relationshipsFileName = "relationships.jsonl"
)

// collections maps archive files to the store collections they are read from.
var collections = []struct {
	file       string
	collection string
}{
	{invitationsFileName, membership.CollectionInvitations},
	{relationshipsFileName, membership.CollectionRelationships},
}

// ExportConfig configures a ledger export.
type ExportConfig struct {
	Store  docstore.Store
	Output string
	// Recipients are age public keys (age1...). The archive is encrypted
	// to all of them when any are given.
	Recipients []string
	Now        func() time.Time
	Stdout     io.Writer
}

// FileName returns the default archive name for an export taken at t.
func FileName(t time.Time, encrypted bool) string {
	name := "ledger-" + t.UTC().Format("20060102T150405Z") + ".tar.zst"
	if encrypted {
		name += ".age"
	}
	return name
}

// Export writes the invitation and relationship collections to cfg.Output.
func Export(ctx context.Context, cfg ExportConfig) (*Manifest, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Output == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}

	recipients, err := parseRecipients(cfg.Recipients)
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		Version:   manifestVersion,
		CreatedAt: cfg.Now().UTC().Truncate(time.Second),
		Encrypted: len(recipients) > 0,
	}
	bodies := make(map[string][]byte, len(collections))
	for _, c := range collections {
		body, records, err := dumpCollection(ctx, cfg.Store, c.collection)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(body)
		manifest.Files = append(manifest.Files, ManifestFile{
			Name:    c.file,
			Records: records,
			Size:    int64(len(body)),
			SHA256:  hex.EncodeToString(sum[:]),
		})
		bodies[c.file] = body
	}

	manifestBytes, err := manifest.marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if err := writeArchive(cfg.Output, recipients, manifest.CreatedAt, manifestBytes, manifest.Files, bodies); err != nil {
		return nil, err
	}

	fmt.Fprintf(cfg.Stdout, "wrote ledger %s (%s)\n", cfg.Output, summary(manifest))
	return manifest, nil
}

func summary(m *Manifest) string {
	parts := make([]string, 0, len(m.Files))
	for _, f := range m.Files {
		parts = append(parts, fmt.Sprintf("%s: %d", strings.TrimSuffix(f.Name, ".jsonl"), f.Records))
	}
	return strings.Join(parts, ", ")
}

func parseRecipients(keys []string) ([]age.Recipient, error) {
	var out []age.Recipient
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", k, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// dumpCollection renders every document of collection as one JSON line,
// ordered by document id.
func dumpCollection(ctx context.Context, store docstore.Store, collection string) ([]byte, int, error) {
	docs, err := store.Query(ctx, collection)
	if err != nil {
		return nil, 0, fmt.Errorf("query %s: %w", collection, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	var buf bytes.Buffer
	for _, doc := range docs {
		var compact bytes.Buffer
		if err := json.Compact(&compact, doc.Data); err != nil {
			return nil, 0, fmt.Errorf("compact %s: %w", doc.Path, err)
		}
		buf.Write(compact.Bytes())
		buf.WriteByte('\n')
	}
	return buf.Bytes(), len(docs), nil
}

func writeArchive(output string, recipients []age.Recipient, modTime time.Time, manifest []byte, files []ManifestFile, bodies map[string][]byte) (err error) {
	if dir := filepath.Dir(output); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	file, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close output file: %w", cerr)
		}
	}()

	// layers close innermost first: tar, zstd, then age
	var sink io.Writer = file
	var encrypted io.WriteCloser
	if len(recipients) > 0 {
		encrypted, err = age.Encrypt(file, recipients...)
		if err != nil {
			return fmt.Errorf("age writer: %w", err)
		}
		sink = encrypted
	}

	encoder, err := zstd.NewWriter(sink)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(encoder)
	if err := writeEntry(tw, manifestFileName, manifest, modTime); err != nil {
		return err
	}
	for _, f := range files {
		if err := writeEntry(tw, f.Name, bodies[f.Name], modTime); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	if encrypted != nil {
		if err := encrypted.Close(); err != nil {
			return fmt.Errorf("close age: %w", err)
		}
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, body []byte, modTime time.Time) error {
	header := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(body)),
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write %s header: %w", name, err)
	}
	if _, err := tw.Write(body); err != nil {
		return fmt.Errorf("write %s body: %w", name, err)
	}
	return nil
}

// Archive is a verified ledger read back from disk.
type Archive struct {
	Manifest      Manifest
	Invitations   []json.RawMessage
	Relationships []json.RawMessage
}

// Read decodes and verifies a ledger archive. Identities are required when
// the archive is encrypted.
func Read(ctx context.Context, r io.Reader, identities ...age.Identity) (*Archive, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if isAgeFile(br) {
		if len(identities) == 0 {
			return nil, errors.New("archive is encrypted; an identity is required")
		}
		plain, err := age.Decrypt(br, identities...)
		if err != nil {
			return nil, fmt.Errorf("decrypt ledger: %w", err)
		}
		src = plain
	}

	decoder, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	var (
		manifestBytes []byte
		files         = map[string][]byte{}
	)
	tr := tar.NewReader(decoder)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", header.Name, err)
		}
		if header.Name == manifestFileName {
			manifestBytes = data
			continue
		}
		files[header.Name] = data
	}

	if len(manifestBytes) == 0 {
		return nil, errors.New("ledger missing manifest.yaml")
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	if manifest.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %q", manifest.Version)
	}

	out := &Archive{Manifest: manifest}
	for _, f := range manifest.Files {
		data, ok := files[f.Name]
		if !ok {
			return nil, fmt.Errorf("%s missing from archive", f.Name)
		}
		records, err := verifyFile(f, data)
		if err != nil {
			return nil, err
		}
		switch f.Name {
		case invitationsFileName:
			out.Invitations = records
		case relationshipsFileName:
			out.Relationships = records
		}
	}
	return out, nil
}

// ReadFile opens path and calls Read.
func ReadFile(ctx context.Context, path string, identities ...age.Identity) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()
	return Read(ctx, file, identities...)
}

const ageHeader = "age-encryption.org/"

func isAgeFile(br *bufio.Reader) bool {
	head, err := br.Peek(len(ageHeader))
	return err == nil && string(head) == ageHeader
}

func verifyFile(f ManifestFile, data []byte) ([]json.RawMessage, error) {
	if int64(len(data)) != f.Size {
		return nil, fmt.Errorf("size mismatch for %s: expected %d got %d", f.Name, f.Size, len(data))
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), f.SHA256) {
		return nil, fmt.Errorf("sha256 mismatch for %s", f.Name)
	}

	var records []json.RawMessage
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, fmt.Errorf("%s: invalid record %d", f.Name, len(records)+1)
		}
		records = append(records, json.RawMessage(line))
	}
	if len(records) != f.Records {
		return nil, fmt.Errorf("record count mismatch for %s: expected %d got %d", f.Name, f.Records, len(records))
	}
	return records, nil
}

// Uploader stores an object; *s3.Client satisfies it.
type Uploader interface {
	PutObject(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error
}

// Upload copies the archive at path to key.
func Upload(ctx context.Context, up Uploader, path, key string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q for upload: %w", path, err)
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return fmt.Errorf("hash %q: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind %q: %w", path, err)
	}
	if err := up.PutObject(ctx, key, file, size, hex.EncodeToString(hash.Sum(nil))); err != nil {
		return fmt.Errorf("upload %q: %w", path, err)
	}
	return nil
}
