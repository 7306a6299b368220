package genbank

import (
	"bytes"
	"cmp"
	"context"
	"encoding/xml"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

// UnknownTaxID marks sequences whose taxon NCBI Taxonomy does not know.
const UnknownTaxID = -2

type taxon struct {
	TaxID          int64   `xml:"TaxId"`
	ScientificName string  `xml:"ScientificName"`
	Rank           string  `xml:"Rank"`
	Lineage        []taxon `xml:"LineageEx>Taxon"`
}

type taxaSet struct {
	Taxa []taxon `xml:"Taxon"`
}

func decodeTaxa(body []byte) (map[int64]taxon, error) {
	var set taxaSet
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&set); err != nil {
		return nil, errors.Wrap(err, "decode taxonomy")
	}
	out := make(map[int64]taxon, len(set.Taxa))
	for _, t := range set.Taxa {
		out[t.TaxID] = t
	}
	return out, nil
}

// ResolveTaxonomy looks up the lineage of every distinct taxid in seqs and
// fills their Taxa. The record's own taxon becomes its species. Sequences
// whose taxid NCBI does not return get UnknownTaxID. The referenced nodes
// are returned ordered by ID.
func (c *Client) ResolveTaxonomy(ctx context.Context, seqs []sequence.Sequence) ([]sequence.TaxonomyNode, error) {
	var ids []string
	seen := map[int64]struct{}{}
	for i := range seqs {
		id := seqs[i].TaxID
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, strconv.FormatInt(id, 10))
		}
	}

	ctx, span := c.tracer.Start(ctx, "genbank.ResolveTaxonomy", trace.WithAttributes(
		attribute.Int("genbank.taxids", len(ids)),
	))
	defer span.End()

	taxa := map[int64]taxon{}
	for start := 0; start < len(ids); start += c.cfg.BatchSize {
		batch := ids[start:min(start+c.cfg.BatchSize, len(ids))]
		body, err := c.call(ctx, "efetch", url.Values{
			"db":      {"taxonomy"},
			"id":      {strings.Join(batch, ",")},
			"retmode": {"xml"},
		})
		if err != nil {
			span.RecordError(err)
			return nil, &ConnectionError{Database: "taxonomy", Accessions: batch, Err: err}
		}
		got, err := decodeTaxa(body)
		if err != nil {
			return nil, &ConnectionError{Database: "taxonomy", Accessions: batch, Err: err}
		}
		for id, t := range got {
			taxa[id] = t
		}
	}

	nodes := map[int64]sequence.TaxonomyNode{}
	for i := range seqs {
		entry, ok := taxa[seqs[i].TaxID]
		if !ok {
			seqs[i].TaxID = UnknownTaxID
			seqs[i].Taxa = nil
			continue
		}
		t := sequence.Taxa{}
		for _, level := range entry.Lineage {
			rank, ok := sequence.ParseRank(level.Rank)
			if !ok {
				continue
			}
			n := sequence.TaxonomyNode{ID: level.TaxID, Rank: rank, ScientificName: level.ScientificName}
			t[rank] = n
			nodes[n.ID] = n
		}
		species := sequence.TaxonomyNode{ID: entry.TaxID, Rank: sequence.RankSpecies, ScientificName: entry.ScientificName}
		t[sequence.RankSpecies] = species
		if _, ok := nodes[species.ID]; !ok {
			nodes[species.ID] = species
		}
		seqs[i].Taxa = t
	}

	out := make([]sequence.TaxonomyNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b sequence.TaxonomyNode) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
