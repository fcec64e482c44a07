// Package attachment turns attachment descriptors into bytes, applying the
// PDF filtering and merge options.
package attachment

import (
	"context"
	"time"

	"ewsdispatch/internal/logger"
	apperrors "ewsdispatch/pkg/errors"
	"ewsdispatch/pkg/metrics"
	"ewsdispatch/pkg/models"
)

const pdfMimeType = "application/pdf"

type Fetcher interface {
	Fetch(ctx context.Context, bucket, path string) ([]byte, error)
	Backend() string
}

type Merger interface {
	Merge(docs [][]byte, key string, date time.Time) ([]byte, error)
}

// MergeSeed fixes the parts of a merged PDF that would otherwise come from
// the clock. Events carry their fingerprint and receive time.
type MergeSeed struct {
	Key  string
	Date time.Time
}

type Options struct {
	NeedsPDFs bool
	PDFOnly   bool
	MergePDF  bool
}

type Materializer struct {
	fetcher Fetcher
	merger  Merger
	opts    Options
	log     logger.Logger
}

func NewMaterializer(fetcher Fetcher, merger Merger, opts Options, log logger.Logger) *Materializer {
	return &Materializer{
		fetcher: fetcher,
		merger:  merger,
		opts:    opts,
		log:     log,
	}
}

// Select returns the descriptors that will be fetched, in event order.
func (m *Materializer) Select(refs []models.AttachmentRef) []models.AttachmentRef {
	if !m.opts.NeedsPDFs {
		return nil
	}
	if !m.opts.PDFOnly {
		return refs
	}

	out := make([]models.AttachmentRef, 0, len(refs))
	for _, ref := range refs {
		if ref.IsPDF() {
			out = append(out, ref)
		}
	}
	return out
}

// Materialize fetches every selected descriptor. Any fetch failure fails
// the whole set so a partial attachment list is never sent.
func (m *Materializer) Materialize(ctx context.Context, refs []models.AttachmentRef, seed MergeSeed) ([]models.Attachment, error) {
	selected := m.Select(refs)
	if len(selected) == 0 {
		return []models.Attachment{}, nil
	}

	attachments := make([]models.Attachment, 0, len(selected))
	for _, ref := range selected {
		data, err := m.fetcher.Fetch(ctx, ref.Bucket, ref.FullPath)
		if err != nil {
			metrics.ObserveAttachmentFetch(m.fetcher.Backend(), "error", 0)
			return nil, apperrors.ErrAttachmentFetchFailed.
				WithDetail("file_name", ref.FileName).
				WithCause(err)
		}
		metrics.ObserveAttachmentFetch(m.fetcher.Backend(), "success", len(data))
		m.log.DebugwCtx(ctx, "Downloaded attachment", "file_name", ref.FileName, "size_bytes", len(data))

		attachments = append(attachments, models.Attachment{
			FileName: ref.FileName,
			Content:  data,
			MimeType: ref.MimeType,
		})
	}

	if m.opts.MergePDF {
		merged, err := m.mergePDFs(ctx, attachments, seed)
		if err != nil {
			return nil, err
		}
		attachments = merged
	}

	return attachments, nil
}

// mergePDFs collapses the PDF subsequence into one document placed where
// the first PDF was and named after it. With fewer than two PDFs the input
// is returned unchanged.
func (m *Materializer) mergePDFs(ctx context.Context, attachments []models.Attachment, seed MergeSeed) ([]models.Attachment, error) {
	first := -1
	var docs [][]byte
	for i, a := range attachments {
		if models.IsPDFMimeType(a.MimeType) {
			if first < 0 {
				first = i
			}
			docs = append(docs, a.Content)
		}
	}
	if len(docs) < 2 {
		return attachments, nil
	}

	content, err := m.merger.Merge(docs, seed.Key, seed.Date)
	if err != nil {
		metrics.IncPDFMerge("error")
		return nil, apperrors.ErrAttachmentFetchFailed.
			WithMessage("failed to merge pdf attachments").
			WithDetail("file_name", attachments[first].FileName).
			WithCause(err).
			AsFatal()
	}
	metrics.IncPDFMerge("success")
	m.log.InfowCtx(ctx, "Merged pdf attachments", "count", len(docs), "file_name", attachments[first].FileName)

	out := make([]models.Attachment, 0, len(attachments)-len(docs)+1)
	for i, a := range attachments {
		switch {
		case i == first:
			out = append(out, models.Attachment{
				FileName: a.FileName,
				Content:  content,
				MimeType: pdfMimeType,
			})
		case models.IsPDFMimeType(a.MimeType):
		default:
			out = append(out, a)
		}
	}
	return out, nil
}
