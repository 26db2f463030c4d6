package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/permacap/permacap/pkg/config"
	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/store"
)

var (
	submitTitle       string
	submitDescription string
	submitPrivate     bool
)

// guidAllocationAttempts bounds regeneration when a generated GUID
// collides with an existing link.
const guidAllocationAttempts = 5

var submitCmd = &cobra.Command{
	Use:   "submit <url>",
	Short: "Queue a URL for capture",
	Long: `Queue a URL for capture.

Creates the link record and its pending capture job; a running daemon
picks the job up on its next poll. The assigned GUID is printed on
success and identifies the link from then on.

Examples:
  # Queue a page
  permacap submit https://example.com/article

  # Queue with a title and description
  permacap submit --title "Example article" https://example.com/article

  # Queue a private capture
  permacap submit --private https://example.com/article`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "Title for the link (defaults to the page title found during capture)")
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "Description for the link")
	submitCmd.Flags().BoolVar(&submitPrivate, "private", false, "Make the link private")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	rawURL, err := normalizeSubmittedURL(args[0])
	if err != nil {
		return err
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.New(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = st.Close() }()

	for attempt := 0; attempt < guidAllocationAttempts; attempt++ {
		guid, err := models.NewGUID()
		if err != nil {
			return err
		}

		link := &models.Link{
			GUID:                 guid,
			SubmittedURL:         rawURL,
			SubmittedTitle:       submitTitle,
			SubmittedDescription: submitDescription,
		}
		if submitPrivate {
			link.IsPrivate = true
			link.PrivateReason = models.PrivateReasonUser
		}

		job, err := st.EnqueueCapture(ctx, link)
		if errors.Is(err, models.ErrDuplicateLink) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to queue capture: %w", err)
		}

		fmt.Printf("Queued %s for capture\n", rawURL)
		fmt.Printf("  GUID: %s\n", link.GUID)
		fmt.Printf("  Job:  %d (%s)\n", job.ID, job.Status)
		return nil
	}

	return fmt.Errorf("failed to allocate a unique GUID after %d attempts", guidAllocationAttempts)
}

// normalizeSubmittedURL validates the URL and fills in a missing scheme.
func normalizeSubmittedURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme: %s", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %s", raw)
	}
	if len(raw) > models.MaxURLLength {
		return "", fmt.Errorf("url exceeds %d characters", models.MaxURLLength)
	}

	return raw, nil
}
