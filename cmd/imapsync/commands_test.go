package main

import (
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/tree"
)

func TestPrintMessages(t *testing.T) {
	var sb strings.Builder
	err := printMessages(&sb, []tree.Node{
		{Kind: tree.KindMessage, UID: 4, Flags: []imapsync.Flag{imapsync.FlagSeen}},
		{Kind: tree.KindMessage, UID: 17, Flags: []imapsync.Flag{imapsync.FlagSeen, imapsync.FlagFlagged}},
	})
	require.NoError(t, err)

	want := "UID  FLAGS\n" +
		"4    \\Seen\n" +
		"17   \\Seen \\Flagged\n"
	assert.Equal(t, want, sb.String())
}

func TestPrintMailboxes(t *testing.T) {
	var sb strings.Builder
	err := printMailboxes(&sb, []tree.Node{
		{Kind: tree.KindMailbox, Mailbox: "INBOX", Attributes: []string{"\\HasChildren"}},
		{Kind: tree.KindMailbox, Mailbox: "Archive", Attributes: []string{"\\HasNoChildren"}},
	})
	require.NoError(t, err)

	want := "INBOX    \\HasChildren\n" +
		"Archive  \\HasNoChildren\n"
	assert.Equal(t, want, sb.String())
}

func TestPrintMetadata(t *testing.T) {
	bs := &imapsync.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: "alternative",
		Children: []*imapsync.BodyStructure{
			{MIMEType: "text", MIMESubType: "plain", Size: 12},
			{MIMEType: "text", MIMESubType: "html", Size: 40},
		},
	}
	serialized, err := imapsync.MarshalBodyStructure(bs)
	require.NoError(t, err)

	data := &imapsync.MessageDataBundle{
		UID: 42,
		Envelope: imapsync.Envelope{
			Date:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
			Subject:   "Hello",
			From:      []*mail.Address{imapsync.NewAddress("", "alice", "example.org")},
			To:        []*mail.Address{imapsync.NewAddress("", "bob", "example.org")},
			MessageID: "<1@example.org>",
		},
		SerializedBodyStructure: serialized,
		Size:                    1234,
	}

	var sb strings.Builder
	require.NoError(t, printMetadata(&sb, data))
	out := sb.String()
	assert.Contains(t, out, "UID: 42\n")
	assert.Contains(t, out, "Size: 1234\n")
	assert.Contains(t, out, "Subject: Hello\n")
	assert.Contains(t, out, "From: <alice@example.org>\n")
	assert.Contains(t, out, "To: <bob@example.org>\n")
	assert.Contains(t, out, "Message-ID: <1@example.org>\n")
	assert.Contains(t, out, "  1  text/plain  12\n")
	assert.Contains(t, out, "  2  text/html   40\n")
	assert.NotContains(t, out, "Cc:")
}

func TestPrintMetadataWithoutBodyStructure(t *testing.T) {
	var sb strings.Builder
	require.NoError(t, printMetadata(&sb, &imapsync.MessageDataBundle{UID: 1}))
	assert.NotContains(t, sb.String(), "Parts:")
}
