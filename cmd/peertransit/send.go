package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mickamy/peertransit"
	"github.com/mickamy/peertransit/config"
)

type sendFlags struct {
	from        string
	drive       string
	file        string
	targetDrive string
	to          []string
	keyHeader   string
	payload     bool
	transient   bool
	priority    int
}

func (f *sendFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "sending tenant")
	cmd.Flags().StringVar(&f.drive, "drive", "", "drive id of the local file")
	cmd.Flags().StringVar(&f.file, "file", "", "file id of the local file")
	cmd.Flags().StringVar(&f.targetDrive, "target-drive", "", "drive the recipients write into")
	cmd.Flags().StringSliceVar(&f.to, "to", nil, "recipient identities")
	cmd.Flags().StringVar(&f.keyHeader, "key-header", "", "base64 key header of the file; random when empty")
	cmd.Flags().BoolVar(&f.payload, "payload", true, "include payload streams")
	cmd.Flags().BoolVar(&f.transient, "transient", false, "delete the file once every recipient has it")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "lower values are sent first")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (f *sendFlags) request() (peertransit.FileTransferRequest, error) {
	var req peertransit.FileTransferRequest
	ids := make([]uuid.UUID, 3)
	for i, raw := range []string{f.drive, f.file, f.targetDrive} {
		id, err := uuid.Parse(raw)
		if err != nil {
			return req, fmt.Errorf("invalid id %q: %w", raw, err)
		}
		ids[i] = id
	}
	keyHeader, err := decodeKeyHeader(f.keyHeader)
	if err != nil {
		return req, err
	}
	return peertransit.FileTransferRequest{
		File:        peertransit.FileID{DriveID: ids[0], FileID: ids[1]},
		TargetDrive: ids[2],
		Recipients:  f.to,
		KeyHeader:   keyHeader,
		SendPayload: f.payload,
		IsTransient: f.transient,
		Priority:    f.priority,
	}, nil
}

func decodeKeyHeader(raw string) ([]byte, error) {
	if raw == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, err
		}
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid key header: %w", err)
	}
	return b, nil
}

func sendCommands() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "enqueue outbox items; a running serve process delivers them",
	}
	cmd.AddCommand(sendFileCommand("file", "send a drive file to recipients", func(ctx context.Context, t *peertransit.Transmitter, req peertransit.FileTransferRequest) (map[string]peertransit.TransferStatus, error) {
		return t.SendFile(ctx, req)
	}))
	cmd.AddCommand(sendFileCommand("feed", "distribute a public file to followers allowed by its acl", func(ctx context.Context, t *peertransit.Transmitter, req peertransit.FileTransferRequest) (map[string]peertransit.TransferStatus, error) {
		return t.SendFeedItem(ctx, req)
	}))
	cmd.AddCommand(sendCommandMessageCommand())
	cmd.AddCommand(sendPushCommand())
	return cmd
}

type sendFunc func(ctx context.Context, t *peertransit.Transmitter, req peertransit.FileTransferRequest) (map[string]peertransit.TransferStatus, error)

func sendFileCommand(use, short string, send sendFunc) *cobra.Command {
	var flags sendFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			cnf, err := config.Fetch()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cnf, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			statuses, err := send(cmd.Context(), a.transmitter(peertransit.NormalizeIdentity(flags.from)), req)
			printStatuses(cmd.OutOrStdout(), statuses)
			return err
		},
	}
	flags.bind(cmd)
	_ = cmd.MarkFlagRequired("drive")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("target-drive")
	return cmd
}

func sendCommandMessageCommand() *cobra.Command {
	var (
		flags   sendFlags
		message string
	)
	cmd := &cobra.Command{
		Use:   "command",
		Short: "send a command message; the command file is deleted once every recipient has it",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request()
			if err != nil {
				return err
			}
			cnf, err := config.Fetch()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cnf, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			statuses, err := a.transmitter(peertransit.NormalizeIdentity(flags.from)).SendCommand(cmd.Context(), peertransit.CommandRequest{
				File:        req.File,
				Recipients:  req.Recipients,
				TargetDrive: req.TargetDrive,
				Command:     peertransit.CommandMessage{ClientJSONMessage: message},
			})
			printStatuses(cmd.OutOrStdout(), statuses)
			return err
		},
	}
	flags.bind(cmd)
	cmd.Flags().StringVar(&message, "message", "", "client json message")
	_ = cmd.MarkFlagRequired("drive")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("target-drive")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func sendPushCommand() *cobra.Command {
	var (
		from   string
		appID  string
		body   string
		silent bool
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "queue a push notification for the tenant's devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := uuid.Parse(appID)
			if err != nil {
				return fmt.Errorf("invalid app id %q: %w", appID, err)
			}
			cnf, err := config.Fetch()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cnf, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			return a.transmitter(peertransit.NormalizeIdentity(from)).SendPushNotification(cmd.Context(), peertransit.PushRequest{
				Notification: peertransit.PushNotificationInstructions{AppID: app, Body: body, Silent: silent},
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "tenant whose devices are notified")
	cmd.Flags().StringVar(&appID, "app", "", "app id")
	cmd.Flags().StringVar(&body, "body", "", "notification body")
	cmd.Flags().BoolVar(&silent, "silent", false, "deliver without alerting")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

func printStatuses(out io.Writer, statuses map[string]peertransit.TransferStatus) {
	for _, recipient := range slices.Sorted(maps.Keys(statuses)) {
		fmt.Fprintf(out, "%s\t%s\n", recipient, statuses[recipient])
	}
}
