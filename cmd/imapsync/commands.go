package main

import (
	"context"
	"fmt"
	"io"
	"net/mail"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/emersion/go-imapsync"
	"github.com/emersion/go-imapsync/model"
	"github.com/emersion/go-imapsync/tree"
)

func runSync(cmd *cobra.Command, args []string) error {
	mailbox := args[0]
	return withModel(cmd.Context(), func(ctx context.Context, m *model.Model) error {
		if err := m.OpenMailbox(mailbox).Wait(ctx); err != nil {
			return fmt.Errorf("synchronizing %q: %w", mailbox, err)
		}
		return printMessages(cmd.OutOrStdout(), m.Tree().Messages(imapsync.CanonicalMailboxName(mailbox)))
	})
}

func runList(cmd *cobra.Command, args []string) error {
	var parent string
	if len(args) > 0 {
		parent = args[0]
	}
	return withModel(cmd.Context(), func(ctx context.Context, m *model.Model) error {
		if err := m.ListMailboxes(parent).Wait(ctx); err != nil {
			return fmt.Errorf("listing %q: %w", parent, err)
		}
		t := m.Tree()
		id := tree.Root
		if parent != "" {
			var ok bool
			id, ok = t.FindMailbox(imapsync.CanonicalMailboxName(parent))
			if !ok {
				return fmt.Errorf("mailbox %q not found", parent)
			}
		}
		var children []tree.Node
		for _, childID := range t.Children(id) {
			if n, ok := t.Node(childID); ok && n.Kind == tree.KindMailbox {
				children = append(children, n)
			}
		}
		return printMailboxes(cmd.OutOrStdout(), children)
	})
}

func runFetch(cmd *cobra.Command, args []string) error {
	mailbox := imapsync.CanonicalMailboxName(args[0])
	n, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil || n == 0 {
		return fmt.Errorf("invalid UID %q", args[1])
	}
	uid := imapsync.UID(n)

	return withModel(cmd.Context(), func(ctx context.Context, m *model.Model) error {
		if err := m.FetchMessageMetadata(mailbox, uid).Wait(ctx); err != nil {
			return fmt.Errorf("fetching metadata: %w", err)
		}
		if len(args) < 3 {
			data, err := m.Cache().MessageMetadata(mailbox, uid)
			if err != nil {
				return err
			}
			return printMetadata(cmd.OutOrStdout(), &data)
		}

		part := args[2]
		if err := m.FetchMessagePart(mailbox, uid, part).Wait(ctx); err != nil {
			return fmt.Errorf("fetching part %v: %w", part, err)
		}
		b, err := m.DecodedPart(mailbox, uid, part)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	})
}

func formatFlags(flags []imapsync.Flag) string {
	l := make([]string, len(flags))
	for i, flag := range flags {
		l[i] = string(flag)
	}
	return strings.Join(l, " ")
}

func printMessages(w io.Writer, messages []tree.Node) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UID\tFLAGS")
	for _, msg := range messages {
		fmt.Fprintf(tw, "%v\t%v\n", msg.UID, formatFlags(msg.Flags))
	}
	return tw.Flush()
}

func printMailboxes(w io.Writer, mailboxes []tree.Node) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, mbox := range mailboxes {
		fmt.Fprintf(tw, "%v\t%v\n", mbox.Mailbox, strings.Join(mbox.Attributes, " "))
	}
	return tw.Flush()
}

func formatAddresses(addrs []*mail.Address) string {
	l := make([]string, len(addrs))
	for i, addr := range addrs {
		l[i] = addr.String()
	}
	return strings.Join(l, ", ")
}

func printMetadata(w io.Writer, data *imapsync.MessageDataBundle) error {
	env := &data.Envelope
	fmt.Fprintf(w, "UID: %v\n", data.UID)
	fmt.Fprintf(w, "Size: %v\n", data.Size)
	if !env.Date.IsZero() {
		fmt.Fprintf(w, "Date: %v\n", env.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(w, "Subject: %v\n", env.Subject)
	fmt.Fprintf(w, "From: %v\n", formatAddresses(env.From))
	fmt.Fprintf(w, "To: %v\n", formatAddresses(env.To))
	if len(env.Cc) > 0 {
		fmt.Fprintf(w, "Cc: %v\n", formatAddresses(env.Cc))
	}
	if env.MessageID != "" {
		fmt.Fprintf(w, "Message-ID: %v\n", env.MessageID)
	}

	bs, err := data.BodyStructure()
	if err != nil {
		return err
	} else if bs == nil {
		return nil
	}
	fmt.Fprintln(w, "Parts:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	bs.Walk(func(id string, part *imapsync.BodyStructure) {
		fmt.Fprintf(tw, "  %v\t%v\t%v\n", id, part.MediaType(), part.Size)
	})
	return tw.Flush()
}
