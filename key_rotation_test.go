package filecrypt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/absfs/absfs"
)

type failingKeyProvider struct {
	err error
}

func (f *failingKeyProvider) RootKey() ([]byte, error) {
	return nil, f.err
}

func TestMultiKeyProvider(t *testing.T) {
	base := setupTestFS(t)

	originalKey := bytesOf(0x01, KeySize)
	fs1 := newTestFS(t, base, originalKey)

	testData := []byte("Secret data encrypted with original key")
	writeFile(t, fs1, "/test.txt", testData)

	newProvider, err := NewStaticKeyProvider(bytesOf(0x02, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	oldProvider, err := NewStaticKeyProvider(originalKey)
	if err != nil {
		t.Fatal(err)
	}

	multiKey, err := NewMultiKeyProvider(newProvider, oldProvider)
	if err != nil {
		t.Fatalf("failed to create multi-key provider: %v", err)
	}

	fs2, err := New(base, &Config{KeyProvider: multiKey})
	if err != nil {
		t.Fatalf("failed to create EncryptFS with multi-key: %v", err)
	}

	// Should be able to read file encrypted with old key
	if got := readFile(t, fs2, "/test.txt"); !bytes.Equal(got, testData) {
		t.Fatalf("data mismatch when reading with multi-key provider")
	}

	// New files use the primary key only
	writeFile(t, fs2, "/new.txt", []byte("new data"))
	if _, err := fs1.Open("/new.txt"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("old key opened a file written under the primary key: %v", err)
	}
	if got := readFile(t, newTestFS(t, base, bytesOf(0x02, KeySize)), "/new.txt"); string(got) != "new data" {
		t.Errorf("got %q, want %q", got, "new data")
	}
}

func TestMultiKeyProvider_NoMatch(t *testing.T) {
	base := setupTestFS(t)
	writeFile(t, newTestFS(t, base, bytesOf(0x01, KeySize)), "/test.txt", []byte("data"))

	other, err := NewStaticKeyProvider(bytesOf(0x03, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	boom := errors.New("keystore offline")

	multiKey, err := NewMultiKeyProvider(other, &failingKeyProvider{err: boom})
	if err != nil {
		t.Fatal(err)
	}

	fs, err := New(base, &Config{KeyProvider: multiKey})
	if err != nil {
		t.Fatal(err)
	}

	_, err = fs.Open("/test.txt")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}
}

func TestMultiKeyProvider_SkipsFailingProvider(t *testing.T) {
	base := setupTestFS(t)
	key := bytesOf(0x01, KeySize)
	writeFile(t, newTestFS(t, base, key), "/test.txt", []byte("data"))

	good, err := NewStaticKeyProvider(key)
	if err != nil {
		t.Fatal(err)
	}
	multiKey, err := NewMultiKeyProvider(&failingKeyProvider{err: errors.New("offline")}, good)
	if err != nil {
		t.Fatal(err)
	}

	fs, err := New(base, &Config{KeyProvider: multiKey})
	if err != nil {
		t.Fatal(err)
	}
	if got := readFile(t, fs, "/test.txt"); string(got) != "data" {
		t.Errorf("got %q, want %q", got, "data")
	}
}

func TestNewMultiKeyProvider_Invalid(t *testing.T) {
	if _, err := NewMultiKeyProvider(); err == nil {
		t.Error("expected error for no providers")
	}

	good, err := NewStaticKeyProvider(bytesOf(0x01, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewMultiKeyProvider(good, nil); !errors.Is(err, ErrNilKeyProvider) {
		t.Errorf("got %v, want ErrNilKeyProvider", err)
	}
}

func TestReEncrypt(t *testing.T) {
	base := setupTestFS(t)
	oldKey := bytesOf(0x01, KeySize)
	newKey := bytesOf(0x02, KeySize)

	fs := newTestFS(t, base, oldKey)
	testData := bytesOf('r', 10000)
	writeFile(t, fs, "/test.txt", testData)

	before := readFile(t, base, "/test.txt")

	newProvider, err := NewStaticKeyProvider(newKey)
	if err != nil {
		t.Fatal(err)
	}
	if err := fs.ReEncrypt("/test.txt", KeyRotationOptions{NewKeyProvider: newProvider}); err != nil {
		t.Fatalf("failed to re-encrypt: %v", err)
	}

	after := readFile(t, base, "/test.txt")
	if bytes.Equal(before[:HeaderSize], after[:HeaderSize]) {
		t.Error("header unchanged after re-encryption")
	}

	if _, err := fs.Open("/test.txt"); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("old key still opens re-encrypted file: %v", err)
	}

	if got := readFile(t, newTestFS(t, base, newKey), "/test.txt"); !bytes.Equal(got, testData) {
		t.Fatal("data mismatch after re-encryption")
	}

	if temps := rotationTemps(t, base, "/"); len(temps) > 0 {
		t.Errorf("temporary rotation files left behind: %v", temps)
	}
}

// rotationTemps lists the temporary rotation files directly under dir
func rotationTemps(t *testing.T, base absfs.FileSystem, dir string) []string {
	t.Helper()
	d, err := base.Open(dir)
	if err != nil {
		t.Fatalf("failed to open %s: %v", dir, err)
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		t.Fatalf("failed to list %s: %v", dir, err)
	}
	var temps []string
	for _, name := range names {
		if isRotationTemp(name) {
			temps = append(temps, name)
		}
	}
	return temps
}

func TestRotationTempName(t *testing.T) {
	a, b := rotationTempName("/x"), rotationTempName("/x")
	if a == b {
		t.Errorf("temporary names repeat: %s", a)
	}
	if !isRotationTemp(a) {
		t.Errorf("%s not recognized as a rotation temp", a)
	}

	for _, name := range []string{"/x", "/x.rotate", "/x.rotate-", "/x.rotate-notauuid", "/notes.rotate-list"} {
		if isRotationTemp(name) {
			t.Errorf("%s recognized as a rotation temp", name)
		}
	}
}

// TestRotateAll_SimilarNames rotates a file together with one whose name
// extends it, so both jobs run at once without sharing a temporary file.
func TestRotateAll_SimilarNames(t *testing.T) {
	base := setupTestFS(t)

	var keys [2]KeyProvider
	for i := range keys {
		p, err := NewStaticKeyProvider(bytesOf(byte(i+1), KeySize))
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = p
	}
	multi, err := NewMultiKeyProvider(keys[0], keys[1])
	if err != nil {
		t.Fatal(err)
	}
	fs, err := New(base, &Config{KeyProvider: multi, Parallel: ParallelConfig{MaxWorkers: 4}})
	if err != nil {
		t.Fatal(err)
	}

	files := map[string][]byte{
		"/x":                bytesOf('x', 50000),
		"/x.rotate":         bytesOf('r', 50000),
		"/x.rotate.rotate":  bytesOf('s', 50000),
		"/x.rotate-archive": bytesOf('a', 50000),
	}
	var names []string
	for name, content := range files {
		writeFile(t, fs, name, content)
		names = append(names, name)
	}

	// alternate keys, ending on the second
	for round := range 5 {
		opts := KeyRotationOptions{NewKeyProvider: keys[(round+1)%2]}
		if result, err := fs.RotateAll(t.Context(), names, opts); err != nil {
			t.Fatalf("round %d: %v (%v)", round, err, result.Failed)
		}
	}

	rotated := newTestFS(t, base, bytesOf(0x02, KeySize))
	for name, want := range files {
		if got := readFile(t, rotated, name); !bytes.Equal(got, want) {
			t.Errorf("%s: content mismatch after rotation", name)
		}
	}
	if temps := rotationTemps(t, base, "/"); len(temps) > 0 {
		t.Errorf("temporary rotation files left behind: %v", temps)
	}
}

func TestListEncrypted_SkipsRotationLeftovers(t *testing.T) {
	base := setupTestFS(t)
	fs := newTestFS(t, base, bytesOf(0x01, KeySize))

	writeFile(t, fs, "/d/a.txt", []byte("a"))
	leftover := rotationTempName("/d/a.txt")
	writeFile(t, fs, leftover, []byte("partial"))

	names, err := fs.ListEncrypted("/d")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 1 || names[0] != "/d/a.txt" {
		t.Errorf("ListEncrypted() = %v, want [/d/a.txt]", names)
	}

	newProvider, err := NewStaticKeyProvider(bytesOf(0x02, KeySize))
	if err != nil {
		t.Fatal(err)
	}
	result, err := fs.RotateAllKeys(t.Context(), "/d", KeyRotationOptions{NewKeyProvider: newProvider})
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if result.Rotated != 1 {
		t.Errorf("Rotated = %d, want 1", result.Rotated)
	}

	// the leftover is untouched and still on the old key
	if got := readFile(t, fs, leftover); string(got) != "partial" {
		t.Errorf("leftover = %q", got)
	}
}

func TestReEncrypt_WrongKeyLeavesFile(t *testing.T) {
	base := setupTestFS(t)
	writeFile(t, newTestFS(t, base, bytesOf(0x01, KeySize)), "/test.txt", []byte("data"))
	before := readFile(t, base, "/test.txt")

	newProvider, err := NewStaticKeyProvider(bytesOf(0x03, KeySize))
	if err != nil {
		t.Fatal(err)
	}

	fs := newTestFS(t, base, bytesOf(0x02, KeySize))
	err = fs.ReEncrypt("/test.txt", KeyRotationOptions{NewKeyProvider: newProvider})
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("got %v, want ErrAuthFailed", err)
	}

	if after := readFile(t, base, "/test.txt"); !bytes.Equal(before, after) {
		t.Error("failed re-encryption modified the file")
	}
}

func TestReEncrypt_NilProvider(t *testing.T) {
	fs := newTestFS(t, setupTestFS(t), bytesOf(0x01, KeySize))
	writeFile(t, fs, "/test.txt", []byte("data"))

	if err := fs.ReEncrypt("/test.txt", KeyRotationOptions{}); !errors.Is(err, ErrNilKeyProvider) {
		t.Errorf("got %v, want ErrNilKeyProvider", err)
	}
}

func TestDryRun(t *testing.T) {
	base := setupTestFS(t)
	fs := newTestFS(t, base, bytesOf(0x01, KeySize))
	writeFile(t, fs, "/test.txt", []byte("data"))
	before := readFile(t, base, "/test.txt")

	newProvider, err := NewStaticKeyProvider(bytesOf(0x02, KeySize))
	if err != nil {
		t.Fatal(err)
	}

	if err := fs.ReEncrypt("/test.txt", KeyRotationOptions{NewKeyProvider: newProvider, DryRun: true}); err != nil {
		t.Fatalf("dry run failed: %v", err)
	}

	if after := readFile(t, base, "/test.txt"); !bytes.Equal(before, after) {
		t.Error("dry run modified the file")
	}

	// a dry run still reports files the current key cannot open
	wrong := newTestFS(t, base, bytesOf(0x03, KeySize))
	if err := wrong.ReEncrypt("/test.txt", KeyRotationOptions{DryRun: true}); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("got %v, want ErrAuthFailed", err)
	}
}

func TestRotateAll(t *testing.T) {
	base := setupTestFS(t)
	oldKey := bytesOf(0x01, KeySize)
	newKey := bytesOf(0x02, KeySize)

	fs, err := New(base, &Config{
		KeyProvider: staticConfig(t, oldKey).KeyProvider,
		Parallel:    ParallelConfig{MaxWorkers: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	contents := make(map[string][]byte)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("/file%02d.txt", i)
		data := bytesOf(byte('a'+i), 100*(i+1))
		writeFile(t, fs, name, data)
		names = append(names, name)
		contents[name] = data
	}

	// one file under a foreign key fails without stopping the rest
	writeFile(t, newTestFS(t, base, bytesOf(0x09, KeySize)), "/foreign.txt", []byte("foreign"))
	names = append(names, "/foreign.txt", "/missing.txt")

	newProvider, err := NewStaticKeyProvider(newKey)
	if err != nil {
		t.Fatal(err)
	}

	result, err := fs.RotateAll(context.Background(), names, KeyRotationOptions{NewKeyProvider: newProvider})
	if err == nil {
		t.Fatal("expected an error summarizing failures")
	}
	if result.Rotated != 10 {
		t.Errorf("Rotated = %d, want 10", result.Rotated)
	}
	if len(result.Failed) != 2 {
		t.Errorf("Failed = %v, want 2 entries", result.Failed)
	}
	if !errors.Is(result.Failed["/foreign.txt"], ErrAuthFailed) {
		t.Errorf("foreign.txt error = %v, want ErrAuthFailed", result.Failed["/foreign.txt"])
	}

	rotated := newTestFS(t, base, newKey)
	for name, want := range contents {
		if got := readFile(t, rotated, name); !bytes.Equal(got, want) {
			t.Errorf("%s: data mismatch after rotation", name)
		}
	}
}

func TestRotateAll_Cancelled(t *testing.T) {
	base := setupTestFS(t)
	fs := newTestFS(t, base, bytesOf(0x01, KeySize))
	writeFile(t, fs, "/a.txt", []byte("a"))
	before := readFile(t, base, "/a.txt")

	newProvider, err := NewStaticKeyProvider(bytesOf(0x02, KeySize))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := fs.RotateAll(ctx, []string{"/a.txt"}, KeyRotationOptions{NewKeyProvider: newProvider})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if !errors.Is(result.Failed["/a.txt"], context.Canceled) {
		t.Errorf("got %v, want context.Canceled", result.Failed["/a.txt"])
	}

	f, err := base.Open("/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	after, _ := io.ReadAll(f)
	f.Close()
	if !bytes.Equal(before, after) {
		t.Error("cancelled rotation modified the file")
	}
}

func TestWalkEncrypted(t *testing.T) {
	fs := newTestFS(t, setupTestFS(t), bytesOf(0x01, KeySize))

	if err := fs.MkdirAll("/root/b/skip", 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, fs, "/root/b/two.txt", bytesOf('2', 20))
	writeFile(t, fs, "/root/a.txt", bytesOf('1', 10))
	writeFile(t, fs, "/root/b/skip/hidden.txt", []byte("hidden"))

	var visited []string
	sizes := make(map[string]int64)
	err := fs.WalkEncrypted("/root", func(name string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == "skip" {
			return iofs.SkipDir
		}
		visited = append(visited, name)
		if !info.IsDir() {
			sizes[name] = info.Size()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	want := []string{"/root", "/root/a.txt", "/root/b", "/root/b/two.txt"}
	if fmt.Sprint(visited) != fmt.Sprint(want) {
		t.Errorf("visited %v, want %v", visited, want)
	}
	if sizes["/root/a.txt"] != 10 || sizes["/root/b/two.txt"] != 20 {
		t.Errorf("walk reported sizes %v", sizes)
	}

	names, err := fs.ListEncrypted("/root")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Errorf("ListEncrypted = %v, want 3 files", names)
	}

	if err := fs.WalkEncrypted("/missing", func(string, os.FileInfo, error) error { return nil }); err != nil {
		t.Errorf("walkFn swallowing the error should end the walk cleanly, got %v", err)
	}
	if _, err := fs.ListEncrypted("/missing"); err == nil {
		t.Error("expected error listing a missing root")
	}
}

func TestVerifyAllEncryption(t *testing.T) {
	base := setupTestFS(t)
	fs := newTestFS(t, base, bytesOf(0x01, KeySize))

	writeFile(t, fs, "/v/good1.txt", []byte("good"))
	writeFile(t, fs, "/v/sub/good2.txt", []byte("good"))
	writeFile(t, newTestFS(t, base, bytesOf(0x02, KeySize)), "/v/foreign.txt", []byte("foreign"))
	writeFile(t, base, "/v/plain.txt", []byte("not encrypted"))

	if err := fs.VerifyEncryption("/v/good1.txt"); err != nil {
		t.Errorf("VerifyEncryption(good) = %v", err)
	}

	failed, err := fs.VerifyAllEncryption(context.Background(), "/v")
	if err == nil {
		t.Fatal("expected verification error")
	}
	want := []string{"/v/foreign.txt", "/v/plain.txt"}
	if fmt.Sprint(failed) != fmt.Sprint(want) {
		t.Errorf("failed = %v, want %v", failed, want)
	}
}

func TestRotateAllKeys(t *testing.T) {
	base := setupTestFS(t)
	fs := newTestFS(t, base, bytesOf(0x01, KeySize))

	writeFile(t, fs, "/tree/a.txt", []byte("a"))
	writeFile(t, fs, "/tree/deep/b.txt", []byte("b"))

	newProvider, err := NewStaticKeyProvider(bytesOf(0x02, KeySize))
	if err != nil {
		t.Fatal(err)
	}

	result, err := fs.RotateAllKeys(context.Background(), "/tree", KeyRotationOptions{NewKeyProvider: newProvider})
	if err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if result.Rotated != 2 {
		t.Errorf("Rotated = %d, want 2", result.Rotated)
	}

	rotated := newTestFS(t, base, bytesOf(0x02, KeySize))
	failed, err := rotated.VerifyAllEncryption(context.Background(), "/tree")
	if err != nil {
		t.Errorf("files not on the new key: %v", failed)
	}
}
