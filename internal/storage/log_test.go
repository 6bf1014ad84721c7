package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempLogPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data.db")
}

func TestAppendAndReplay(t *testing.T) {
	path := tempLogPath(t)
	lg, err := Open(path)
	require.NoError(t, err)
	defer lg.Close()

	require.NoError(t, lg.Append(Record{Tag: TagSet, Key: []byte("a"), Value: []byte("1")}))
	require.NoError(t, lg.Append(Record{Tag: TagExpireAt, Key: []byte("a"), ExpiresAtMs: 42}))
	require.NoError(t, lg.Append(Record{Tag: TagPersist, Key: []byte("a")}))
	require.NoError(t, lg.Append(Record{Tag: TagDel, Key: []byte("a")}))

	var got []Record
	require.NoError(t, lg.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 4)
	assert.Equal(t, TagSet, got[0].Tag)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("1"), got[0].Value)
	assert.Equal(t, TagExpireAt, got[1].Tag)
	assert.EqualValues(t, 42, got[1].ExpiresAtMs)
	assert.Equal(t, TagPersist, got[2].Tag)
	assert.Equal(t, TagDel, got[3].Tag)
}

func TestAppendBatchIsContiguous(t *testing.T) {
	path := tempLogPath(t)
	lg, err := Open(path)
	require.NoError(t, err)
	defer lg.Close()

	require.NoError(t, lg.AppendBatch([]Record{
		{Tag: TagSet, Key: []byte("x"), Value: []byte("1")},
		{Tag: TagSet, Key: []byte("y"), Value: []byte("2")},
	}))

	var got []Record
	require.NoError(t, lg.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
}

func TestRecoveryTruncatesTornTail(t *testing.T) {
	path := tempLogPath(t)

	raw := "SET a 1\nSET b 2\nSET c" // final line has too few tokens, no newline
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	lg, err := Open(path)
	require.NoError(t, err)
	defer lg.Close()

	var got []Record
	require.NoError(t, lg.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, []byte("a"), got[0].Key)
	assert.Equal(t, []byte("b"), got[1].Key)

	// The truncation must actually have happened on disk, not just been
	// ignored in memory: a fresh append should land right after "b".
	require.NoError(t, lg.Append(Record{Tag: TagSet, Key: []byte("d"), Value: []byte("4")}))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "SET a 1\nSET b 2\nSET d 4\n", string(contents))
}

func TestRecoveryTruncatesTornTailWithTerminator(t *testing.T) {
	path := tempLogPath(t)

	// Last line IS newline-terminated but has too few tokens: still torn.
	raw := "SET a 1\nDEL\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	lg, err := Open(path)
	require.NoError(t, err)
	defer lg.Close()

	var got []Record
	require.NoError(t, lg.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, []byte("a"), got[0].Key)
}

func TestRecoveryFailsFatallyOnUnknownTagNotInTail(t *testing.T) {
	path := tempLogPath(t)

	raw := "SET a 1\nBOGUS x\nSET b 2\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRecordTag)
	assert.NotErrorIs(t, err, ErrMalformedRecord)
}

func TestRecoveryFailsFatallyOnBadArityNotInTail(t *testing.T) {
	path := tempLogPath(t)

	raw := "SET a 1\nDEL\nSET b 2\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	_, err := Open(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedRecord)
	assert.NotErrorIs(t, err, ErrUnknownRecordTag)
}

func TestOpenOnExistingCleanLog(t *testing.T) {
	path := tempLogPath(t)
	lg, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, lg.Append(Record{Tag: TagSet, Key: []byte("a"), Value: []byte("1")}))
	require.NoError(t, lg.Close())

	lg2, err := Open(path)
	require.NoError(t, err)
	defer lg2.Close()

	var got []Record
	require.NoError(t, lg2.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 1)
}
