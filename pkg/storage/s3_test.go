package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveKey(t *testing.T) {
	assert.Equal(t, "polls/room_1700000000000_ab12cd34/5b1f.json", ArchiveKey("room_1700000000000_ab12cd34", "5b1f"))
	assert.Equal(t, "polls/evil/p.json", ArchiveKey("../../evil", "p"))
}

func TestPresignedDownloadURL(t *testing.T) {
	s, err := NewS3(context.Background(), S3Config{
		Region:          "us-east-1",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		ArchiveBucket:   "poll-archive",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, s.PresignExpire())

	url, err := s.GeneratePresignedDownloadURL(context.Background(), s.ArchiveBucket(), ArchiveKey("room_1", "p1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.Contains(url, "poll-archive"))
	assert.True(t, strings.Contains(url, "polls/room_1/p1.json"))
	assert.True(t, strings.Contains(url, "X-Amz-Expires=60"))
}
