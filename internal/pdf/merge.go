// Package pdf merges PDF documents with pdfcpu.
package pdf

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

func init() {
	// Keep pdfcpu from creating a config directory under $HOME.
	model.ConfigPath = "disable"
}

var infoDateKeys = []string{"CreationDate", "ModDate"}

type Merger struct{}

func NewMerger() *Merger {
	return &Merger{}
}

// pdfcpu mutates the configuration it is handed, so every step gets its own.
func (m *Merger) config() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Merge concatenates docs in order into one document. Page order within
// each input is preserved. Annotations and interactive form fields are
// dropped from the result.
//
// The output depends only on docs, key and date: the trailer file ID is
// derived from key and the Info creation and modification dates are set
// to date, so a redelivered event produces the same bytes.
func (m *Merger) Merge(docs [][]byte, key string, date time.Time) ([]byte, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no documents to merge")
	}

	readers := make([]io.ReadSeeker, len(docs))
	for i, doc := range docs {
		if len(doc) == 0 {
			return nil, fmt.Errorf("document %d is empty", i)
		}
		readers[i] = bytes.NewReader(doc)
	}

	var merged bytes.Buffer
	if err := api.MergeRaw(readers, &merged, false, m.config()); err != nil {
		return nil, fmt.Errorf("failed to merge %d documents: %w", len(docs), err)
	}

	ctx, err := api.ReadAndValidate(bytes.NewReader(merged.Bytes()), m.config())
	if err != nil {
		return nil, fmt.Errorf("failed to read merged document: %w", err)
	}
	if err := flatten(ctx); err != nil {
		return nil, err
	}

	// Plain objects and a classic xref table keep the Info dictionary and
	// trailer ID addressable in the written bytes.
	ctx.WriteObjectStream = false
	ctx.WriteXRefStream = false

	var out bytes.Buffer
	if err := api.WriteContext(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to write merged document: %w", err)
	}
	return m.pin(out.Bytes(), key, date)
}

// flatten removes every page annotation and the document AcroForm.
func flatten(ctx *model.Context) error {
	if _, err := pdfcpu.RemoveAnnotations(ctx, nil, nil, nil, false); err != nil {
		return fmt.Errorf("failed to remove annotations: %w", err)
	}
	root, err := ctx.Catalog()
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	root.Delete("AcroForm")
	return nil
}

// pin swaps the clock-derived Info dates and file ID pdfcpu stamped on
// write for values derived from key and date. Replacements keep their
// length so xref offsets stay valid.
func (m *Merger) pin(doc []byte, key string, date time.Time) ([]byte, error) {
	ctx, err := api.ReadContext(bytes.NewReader(doc), m.config())
	if err != nil {
		return nil, fmt.Errorf("failed to read written document: %w", err)
	}

	stamp := types.DateString(date.UTC())
	if ctx.Info != nil {
		info, err := ctx.DereferenceDict(*ctx.Info)
		if err != nil {
			return nil, fmt.Errorf("failed to read info dictionary: %w", err)
		}
		for _, k := range infoDateKeys {
			v := info.StringEntry(k)
			if v == nil {
				continue
			}
			if len(*v) != len(stamp) {
				return nil, fmt.Errorf("unexpected %s %q", k, *v)
			}
			doc = bytes.ReplaceAll(doc, []byte("("+*v+")"), []byte("("+stamp+")"))
		}
	}

	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	for _, o := range ctx.ID {
		id, ok := o.(types.HexLiteral)
		if !ok || len(id) == 0 || len(id) > len(digest) {
			return nil, fmt.Errorf("unexpected file id %v", o)
		}
		old := []byte("<" + string(id) + ">")
		if !bytes.Contains(doc, old) {
			return nil, fmt.Errorf("file id %s not found in output", id)
		}
		doc = bytes.ReplaceAll(doc, old, []byte("<"+digest[:len(id)]+">"))
	}
	return doc, nil
}
