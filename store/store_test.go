package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avelasquez/prensa/record"
)

func sampleRecords() []record.Record {
	return []record.Record{
		{SourceID: "el-diario", ExternalID: "https://example.com/a", Title: "A", FetchedAt: time.Now()},
		{SourceID: "el-diario", ExternalID: "https://example.com/b", Title: "B", FetchedAt: time.Now()},
	}
}

// TestWriteBatch verifies a batch lands as a single committed file in
// its kind's stream, with no leftover temporary file.
func TestWriteBatch(t *testing.T) {
	root := t.TempDir()
	writer, err := NewWriter(root, "el-diario", uuid.New(), time.Now())
	require.NoError(t, err)

	path, err := writer.WriteBatch(sampleRecords(), KindArticle)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, filepath.Join(root, "el-diario", "articles"), filepath.Dir(path))
	assert.NoFileExists(t, path+".tmp")

	loaded, err := ReadBatches(root, "el-diario", KindArticle)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "A", loaded[0].Title)
}

// TestWriteBatch_Empty verifies empty batches write nothing.
func TestWriteBatch_Empty(t *testing.T) {
	writer, err := NewWriter(t.TempDir(), "el-diario", uuid.New(), time.Now())
	require.NoError(t, err)

	path, err := writer.WriteBatch(nil, KindArticle)
	require.NoError(t, err)
	assert.Empty(t, path)
}

// TestWriteBatch_AppendOnly verifies successive batches create new
// units rather than rewriting prior ones.
func TestWriteBatch_AppendOnly(t *testing.T) {
	root := t.TempDir()
	writer, err := NewWriter(root, "el-diario", uuid.New(), time.Now())
	require.NoError(t, err)

	first, err := writer.WriteBatch(sampleRecords()[:1], KindArticle)
	require.NoError(t, err)
	firstData, err := os.ReadFile(first)
	require.NoError(t, err)

	second, err := writer.WriteBatch(sampleRecords()[1:], KindArticle)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	// The first unit is untouched by the second write.
	sameData, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, firstData, sameData)

	all, err := ReadBatches(root, "el-diario", KindArticle)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestKindSegregation verifies kinds land in physically separate
// streams.
func TestKindSegregation(t *testing.T) {
	root := t.TempDir()
	writer, err := NewWriter(root, "el-diario", uuid.New(), time.Now())
	require.NoError(t, err)

	_, err = writer.WriteBatch(sampleRecords(), KindArticle)
	require.NoError(t, err)
	_, err = writer.WriteBatch(sampleRecords()[:1], KindThumbnail)
	require.NoError(t, err)

	articles, err := ReadBatches(root, "el-diario", KindArticle)
	require.NoError(t, err)
	thumbnails, err := ReadBatches(root, "el-diario", KindThumbnail)
	require.NoError(t, err)

	assert.Len(t, articles, 2)
	assert.Len(t, thumbnails, 1)
}

// TestWriteManifest verifies the manifest lands in the metadata stream.
func TestWriteManifest(t *testing.T) {
	root := t.TempDir()
	manifest := record.NewRunManifest("el-diario")
	manifest.State = record.RunDone
	manifest.Counts.New = 4

	writer, err := NewWriter(root, "el-diario", manifest.RunID, manifest.StartedAt)
	require.NoError(t, err)

	path, err := writer.WriteManifest(manifest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "el-diario", "metadata"), filepath.Dir(path))
	assert.FileExists(t, path)
}

// TestWriterIsolation verifies two concurrent runs never share batch
// paths.
func TestWriterIsolation(t *testing.T) {
	root := t.TempDir()
	now := time.Now()

	w1, err := NewWriter(root, "el-diario", uuid.New(), now)
	require.NoError(t, err)
	w2, err := NewWriter(root, "la-nacion", uuid.New(), now)
	require.NoError(t, err)

	p1, err := w1.WriteBatch(sampleRecords()[:1], KindArticle)
	require.NoError(t, err)
	p2, err := w2.WriteBatch(sampleRecords()[:1], KindArticle)
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2)

	// Same source, different runs: the run ID keeps stamps distinct
	// even within one timestamp second.
	w3, err := NewWriter(root, "el-diario", uuid.New(), now)
	require.NoError(t, err)
	p3, err := w3.WriteBatch(sampleRecords()[:1], KindArticle)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p3)
}

// TestReadBatches_MissingKind verifies an absent stream reads as empty.
func TestReadBatches_MissingKind(t *testing.T) {
	records, err := ReadBatches(t.TempDir(), "el-diario", KindArticle)
	require.NoError(t, err)
	assert.Nil(t, records)
}
