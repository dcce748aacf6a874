package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldtally/go-fieldsync/fieldlite"
	"github.com/fieldtally/go-fieldsync/fieldsync"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture an event with optional media attachments",
	Long: `Capture durably inserts an event into the local sync queue. The
event is pushed to the remote authority on the next sync cycle; the command
never blocks on the network.

Example:
  fieldsync capture --type irrigation --role agronomist \
      --payload '{"field":"north-7","liters":1200}' \
      --media photo:/data/photos/north-7.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("type")
		actorRole, _ := cmd.Flags().GetString("role")
		payloadStr, _ := cmd.Flags().GetString("payload")
		mediaSpecs, _ := cmd.Flags().GetStringArray("media")

		if eventType == "" {
			return fmt.Errorf("--type is required")
		}

		var payload json.RawMessage
		if payloadStr != "" {
			if !json.Valid([]byte(payloadStr)) {
				return fmt.Errorf("--payload must be valid JSON")
			}
			payload = json.RawMessage(payloadStr)
		}

		media := make([]fieldlite.MediaInput, 0, len(mediaSpecs))
		for _, spec := range mediaSpecs {
			in, err := parseMediaSpec(spec)
			if err != nil {
				return err
			}
			media = append(media, in)
		}

		client, db, err := openClient(fieldlite.Hooks{})
		if err != nil {
			return err
		}
		defer db.Close()

		ev, attached, err := client.CaptureEvent(cmd.Context(), fieldlite.EventInput{
			Type:       eventType,
			ActorRole:  actorRole,
			Payload:    payload,
			OccurredAt: time.Now(),
		}, media)
		if err != nil {
			return fmt.Errorf("capture failed: %w", err)
		}

		fmt.Printf("Captured event %s (%s) with %d media attachment(s)\n",
			ev.ClientID, ev.Type, len(attached))
		return nil
	},
}

// parseMediaSpec parses "type:path" media flags, hashing and sizing the file
func parseMediaSpec(spec string) (fieldlite.MediaInput, error) {
	var in fieldlite.MediaInput
	mediaType := fieldsync.MediaPhoto
	path := spec
	for i := 0; i < len(spec); i++ {
		if spec[i] == ':' {
			mediaType = spec[:i]
			path = spec[i+1:]
			break
		}
	}
	if path == "" {
		return in, fmt.Errorf("invalid media spec %q, expected type:path", spec)
	}

	f, err := os.Open(path)
	if err != nil {
		return in, fmt.Errorf("failed to open media file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return in, fmt.Errorf("failed to hash media file: %w", err)
	}

	in.Type = mediaType
	in.URI = path
	in.Checksum = hex.EncodeToString(h.Sum(nil))
	in.Size = size
	return in, nil
}

func init() {
	captureCmd.Flags().String("type", "", "event type (required)")
	captureCmd.Flags().String("role", "", "actor role recording the event")
	captureCmd.Flags().String("payload", "", "opaque JSON payload")
	captureCmd.Flags().StringArray("media", nil, "media attachment as type:path (repeatable)")
	rootCmd.AddCommand(captureCmd)
}
