package consult

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/dentalor/lorbot/internal/domain"
	"github.com/dentalor/lorbot/internal/ports"
)

// ArchiveName is the file name of the consultation archive.
const ArchiveName = "lor_consultation.zip"

func attachmentName(i int, a domain.Attachment) string {
	ext := ".bin"
	if a.Type == domain.MediaPhoto {
		ext = ".jpg"
	}
	return fmt.Sprintf("attachment_%d%s", i+1, ext)
}

// buildArchive packs the plain summary and every attachment into a zip.
// files must be resolved in the order of atts.
func buildArchive(ctx context.Context, fetcher ports.FileFetcher, summary string, atts []domain.Attachment, files []ports.FileInfo, modified time.Time) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	w, err := zw.CreateHeader(&zip.FileHeader{Name: summaryFile, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return nil, fmt.Errorf("zip summary: %w", err)
	}
	if _, err := w.Write([]byte(summary)); err != nil {
		return nil, fmt.Errorf("zip summary: %w", err)
	}

	for i, a := range atts {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: attachmentName(i, a), Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, fmt.Errorf("zip attachment %d: %w", i+1, err)
		}
		if err := fetcher.Download(ctx, files[i], w); err != nil {
			return nil, fmt.Errorf("download attachment %d: %w", i+1, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip close: %w", err)
	}
	return buf.Bytes(), nil
}

// mediaGroups splits attachments into albums of at most MaxMediaGroup
// items. Photos and documents cannot share an album, so a change of type
// starts a new one. The caption goes on the first item only.
func mediaGroups(atts []domain.Attachment, caption string) []domain.MediaGroup {
	var (
		groups []domain.MediaGroup
		cur    []domain.MediaItem
	)
	for i, a := range atts {
		if len(cur) == domain.MaxMediaGroup || (len(cur) > 0 && cur[0].Type != a.Type) {
			groups = append(groups, domain.MediaGroup{Items: cur})
			cur = nil
		}
		item := domain.MediaItem{Type: a.Type, FileID: a.FileID}
		if i == 0 {
			item.Caption = caption
			item.ParseMode = domain.ParseHTML
		}
		cur = append(cur, item)
	}
	if len(cur) > 0 {
		groups = append(groups, domain.MediaGroup{Items: cur})
	}
	return groups
}
