package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/permacap/permacap/pkg/blob"
	"github.com/permacap/permacap/pkg/models"
	"github.com/permacap/permacap/pkg/warc"
)

// screenshotURI is the target URI recorded for the synthesized
// screenshot resource record and its capture row.
func screenshotURI(guid string) string {
	return "file:///" + guid + "/cap.png"
}

// assembleWARC builds the link's final archive in the blob store: a
// fresh warcinfo record, the screenshot as a resource record when one
// was taken, then every record from the proxy's spool in original
// order. Spool records are copied member-by-member without
// recompression. Returns the stored archive size in bytes.
func (e *Engine) assembleWARC(ctx context.Context, link *models.Link, spoolPath string, screenshot []byte) (int64, error) {
	spool, err := os.Open(spoolPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open recorded spool: %w", err)
	}
	defer spool.Close()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeArchive(pw, link.GUID, e.hostname, screenshot, spool))
	}()

	size, err := e.blobs.Write(ctx, blob.WARCPath(link.GUID), pr)
	if err != nil {
		return 0, fmt.Errorf("failed to store archive: %w", err)
	}
	return size, nil
}

// writeArchive streams the final WARC: warcinfo, optional screenshot
// resource, then the spool's records verbatim.
func writeArchive(w io.Writer, guid, hostname string, screenshot []byte, spool io.Reader) error {
	ww := warc.NewWriter(w)

	infoID, err := ww.WriteWarcinfo(map[string]string{
		"software": "permacap",
		"format":   "WARC File Format 1.0",
		"hostname": hostname,
		"guid":     guid,
		"created":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to write warcinfo: %w", err)
	}

	// Screenshot first, ahead of the recorded exchanges.
	if len(screenshot) > 0 {
		_, err := ww.WriteRecord(&warc.Record{
			Type:         warc.TypeResource,
			TargetURI:    screenshotURI(guid),
			Date:         time.Now().UTC(),
			ContentType:  "image/png",
			WarcinfoID:   infoID,
			Block:        screenshot,
			PayloadStart: 0,
		})
		if err != nil {
			return fmt.Errorf("failed to write screenshot record: %w", err)
		}
	}

	r := warc.NewReader(spool)
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read spool record: %w", err)
		}
		if err := ww.AppendRawMember(rec.Raw); err != nil {
			return err
		}
	}
	return nil
}
