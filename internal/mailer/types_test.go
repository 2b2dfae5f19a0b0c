package mailer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventTypeRejectsUnknown(t *testing.T) {
	got, err := ParseEventType("opened")
	require.NoError(t, err)
	assert.Equal(t, EventOpened, got)

	_, err = ParseEventType("teleported")
	assert.Error(t, err)
	_, err = ParseEventType("")
	assert.Error(t, err)
}

func TestParseCampaignStatus(t *testing.T) {
	got, err := ParseCampaignStatus("sent")
	require.NoError(t, err)
	assert.Equal(t, CampaignSent, got)

	_, err = ParseCampaignStatus("archived")
	assert.Error(t, err)
}

func TestParseSentStatus(t *testing.T) {
	got, err := ParseSentStatus("sent")
	require.NoError(t, err)
	assert.Equal(t, SentStatusSent, got)

	// any event type is a valid terminal status
	got, err = ParseSentStatus("bounced")
	require.NoError(t, err)
	assert.Equal(t, SentStatus("bounced"), got)

	_, err = ParseSentStatus("pending")
	assert.Error(t, err)
}

func TestParseJobStatus(t *testing.T) {
	got, err := ParseJobStatus("running")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, got)

	_, err = ParseJobStatus("paused")
	assert.Error(t, err)
}

func TestProviderErrorWraps(t *testing.T) {
	cause := errors.New("rate limited")
	err := &ProviderError{Recipient: "a@x.com", Err: cause}

	assert.Equal(t, "send to a@x.com: rate limited", err.Error())
	assert.ErrorIs(t, err, cause)
}
