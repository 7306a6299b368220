package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/barcode-identifier/barrel/internal/domain/access"
	"github.com/barcode-identifier/barrel/internal/domain/auth"
	"github.com/barcode-identifier/barrel/internal/domain/library"
	"github.com/barcode-identifier/barrel/internal/domain/run"
	"github.com/barcode-identifier/barrel/internal/domain/sequence"
)

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type userResponse struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	IsStaff     bool      `json:"is_staff"`
	IsSuperuser bool      `json:"is_superuser"`
}

func toUser(u *auth.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, IsStaff: u.IsStaff, IsSuperuser: u.IsSuperuser}
}

type libraryRequest struct {
	Name        *string `json:"custom_name"`
	Description *string `json:"description"`
	MarkerGene  *string `json:"marker_gene"`
	Public      *bool   `json:"public"`
}

type libraryResponse struct {
	ID          uuid.UUID  `json:"id"`
	OwnerID     *uuid.UUID `json:"owner_id"`
	Owner       string     `json:"owner"`
	Public      bool       `json:"public"`
	Name        string     `json:"custom_name"`
	Description string     `json:"description"`
	MarkerGene  string     `json:"marker_gene"`
	CreatedAt   time.Time  `json:"created"`
}

func toLibrary(l *library.Library) libraryResponse {
	return libraryResponse{
		ID:          l.ID,
		OwnerID:     l.OwnerID,
		Owner:       l.OwnerName,
		Public:      l.Public,
		Name:        l.Name,
		Description: l.Description,
		MarkerGene:  l.MarkerGene,
		CreatedAt:   l.CreatedAt,
	}
}

type shareRequest struct {
	Permission access.Level `json:"permission"`
}

type shareResponse struct {
	UserID     uuid.UUID    `json:"user_id"`
	Username   string       `json:"username"`
	Permission access.Level `json:"permission"`
}

type versionRequest struct {
	BaseID      *uuid.UUID      `json:"base"`
	Accessions  []string        `json:"accession_numbers"`
	SearchTerm  string          `json:"search_term"`
	Filter      sequence.Filter `json:"filter"`
	Description string          `json:"description"`
	Lock        bool            `json:"locked"`
}

type versionResponse struct {
	ID            uuid.UUID `json:"id"`
	LibraryID     uuid.UUID `json:"library"`
	Version       string    `json:"version_number"`
	Description   string    `json:"description"`
	Locked        bool      `json:"locked"`
	SequenceCount int       `json:"sequence_count"`
	CreatedAt     time.Time `json:"created"`
}

func toVersion(v *library.Version) versionResponse {
	return versionResponse{
		ID:            v.ID,
		LibraryID:     v.LibraryID,
		Version:       v.Number(),
		Description:   v.Description,
		Locked:        v.Locked,
		SequenceCount: v.SequenceCount,
		CreatedAt:     v.CreatedAt,
	}
}

type historyResponse struct {
	ID          uuid.UUID `json:"id"`
	Reason      string    `json:"change_reason"`
	Added       []string  `json:"added"`
	Deleted     []string  `json:"deleted"`
	SearchTerms []string  `json:"search_terms"`
	CreatedAt   time.Time `json:"created"`
}

type accessionsRequest struct {
	Accessions []string        `json:"accession_numbers"`
	SearchTerm string          `json:"search_term"`
	Filter     sequence.Filter `json:"filter"`
}

type taxonResponse struct {
	ID             int64  `json:"id"`
	ScientificName string `json:"scientific_name"`
}

type sequenceResponse struct {
	ID              uuid.UUID                `json:"id"`
	BlastDbID       uuid.UUID                `json:"owner_database"`
	AccessionNumber string                   `json:"accession_number"`
	Version         string                   `json:"version"`
	Definition      string                   `json:"definition"`
	Organism        string                   `json:"organism"`
	Organelle       string                   `json:"organelle"`
	Isolate         string                   `json:"isolate"`
	Country         string                   `json:"country"`
	SpecimenVoucher string                   `json:"specimen_voucher"`
	DNASequence     string                   `json:"dna_sequence"`
	Translation     string                   `json:"translation"`
	LatLon          string                   `json:"lat_lon"`
	TypeMaterial    string                   `json:"type_material"`
	Keywords        string                   `json:"keywords"`
	Journal         string                   `json:"journal"`
	Authors         string                   `json:"authors"`
	Title           string                   `json:"title"`
	TaxID           int64                    `json:"taxid"`
	Taxonomy        string                   `json:"taxonomy"`
	ModifiedAt      *string                  `json:"genbank_modification_date"`
	IdentifiedBy    string                   `json:"identified_by"`
	CollectedBy     string                   `json:"collected_by"`
	CollectionDate  string                   `json:"collection_date"`
	DataSource      sequence.DataSource      `json:"data_source"`
	Taxa            map[string]taxonResponse `json:"taxa"`
	CreatedAt       time.Time                `json:"created"`
	UpdatedAt       time.Time                `json:"updated"`

	Annotations []annotationResponse `json:"annotations,omitempty"`
}

func toSequence(s *sequence.Sequence) sequenceResponse {
	out := sequenceResponse{
		ID:              s.ID,
		BlastDbID:       s.BlastDbID,
		AccessionNumber: s.AccessionNumber,
		Version:         s.Version,
		Definition:      s.Definition,
		Organism:        s.Organism,
		Organelle:       s.Organelle,
		Isolate:         s.Isolate,
		Country:         s.Country,
		SpecimenVoucher: s.SpecimenVoucher,
		DNASequence:     s.DNASequence,
		Translation:     s.Translation,
		LatLon:          s.LatLon,
		TypeMaterial:    s.TypeMaterial,
		Keywords:        s.Keywords,
		Journal:         s.Journal,
		Authors:         s.Authors,
		Title:           s.Title,
		TaxID:           s.TaxID,
		Taxonomy:        s.Taxonomy,
		IdentifiedBy:    s.IdentifiedBy,
		CollectedBy:     s.CollectedBy,
		CollectionDate:  s.CollectionDate,
		DataSource:      s.Source,
		Taxa:            make(map[string]taxonResponse, len(s.Taxa)),
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.ModifiedAt != nil {
		d := s.ModifiedAt.Format(time.DateOnly)
		out.ModifiedAt = &d
	}
	for rank, n := range s.Taxa {
		out.Taxa[string(rank)] = taxonResponse{ID: n.ID, ScientificName: n.ScientificName}
	}
	return out
}

func toSequences(seqs []sequence.Sequence) []sequenceResponse {
	out := make([]sequenceResponse, len(seqs))
	for i := range seqs {
		out[i] = toSequence(&seqs[i])
	}
	return out
}

type annotationRequest struct {
	Type    string `json:"annotation_type"`
	Comment string `json:"comment"`
}

type annotationResponse struct {
	ID        uuid.UUID               `json:"id"`
	Poster    string                  `json:"poster"`
	Type      sequence.AnnotationType `json:"annotation_type"`
	Comment   string                  `json:"comment"`
	CreatedAt time.Time               `json:"timestamp"`
}

func toAnnotations(anns []sequence.Annotation) []annotationResponse {
	out := make([]annotationResponse, len(anns))
	for i, a := range anns {
		out[i] = annotationResponse{ID: a.ID, Poster: a.PosterName, Type: a.Type, Comment: a.Comment, CreatedAt: a.CreatedAt}
	}
	return out
}

type runRequest struct {
	JobName       string `json:"job_name" form:"job_name"`
	Queries       string `json:"query_sequence" form:"query_sequence"`
	CreateHitTree *bool  `json:"create_hit_tree" form:"create_hit_tree"`
	CreateDbTree  *bool  `json:"create_db_tree" form:"create_db_tree"`
}

type runStatusResponse struct {
	ID         uuid.UUID  `json:"id"`
	JobName    string     `json:"job_name"`
	Status     run.Status `json:"job_status"`
	ReceivedAt time.Time  `json:"received_time"`
	StartTime  *time.Time `json:"start_time"`
	EndTime    *time.Time `json:"end_time"`
	ErrorTime  *time.Time `json:"error_time"`
	Errors     string     `json:"errors"`
}

func toRunStatus(r *run.Run) runStatusResponse {
	return runStatusResponse{
		ID:         r.ID,
		JobName:    r.JobName,
		Status:     r.Status,
		ReceivedAt: r.ReceivedAt,
		StartTime:  r.StartTime,
		EndTime:    r.EndTime,
		ErrorTime:  r.ErrorTime,
		Errors:     r.Errors,
	}
}

type runResponse struct {
	runStatusResponse
	BlastDbID              *uuid.UUID      `json:"db_used"`
	LibraryID              *uuid.UUID      `json:"library"`
	CreateHitTree          bool            `json:"create_hit_tree"`
	AlignmentJobID         string          `json:"alignment_job_id"`
	CreateDbTree           bool            `json:"create_db_tree"`
	CompleteAlignmentJobID string          `json:"complete_alignment_job_id"`
	HitTree                string          `json:"hit_tree"`
	DbTree                 string          `json:"db_tree"`
	BlastVersion           string          `json:"blast_version"`
	Queries                []queryResponse `json:"queries,omitempty"`
	Hits                   []hitResponse   `json:"hits,omitempty"`
}

func toRun(r *run.Run) runResponse {
	return runResponse{
		runStatusResponse:      toRunStatus(r),
		BlastDbID:              r.BlastDbID,
		LibraryID:              r.LibraryID,
		CreateHitTree:          r.CreateHitTree,
		AlignmentJobID:         r.AlignmentJobID,
		CreateDbTree:           r.CreateDbTree,
		CompleteAlignmentJobID: r.CompleteAlignmentJobID,
		HitTree:                r.HitTree,
		DbTree:                 r.DbTree,
		BlastVersion:           r.BlastVersion,
	}
}

type queryResponse struct {
	Definition      string `json:"definition"`
	Sequence        string `json:"query_sequence"`
	OriginalSpecies string `json:"original_species_name"`
	ResultsSpecies  string `json:"results_species_name"`
	Category        string `json:"accuracy_category"`
}

type hitResponse struct {
	SequenceID              *uuid.UUID      `json:"db_entry"`
	QueryAccessionVersion   string          `json:"query_accession_version"`
	SubjectAccessionVersion string          `json:"subject_accession_version"`
	PercentIdentity         decimal.Decimal `json:"percent_identity"`
	AlignmentLength         int             `json:"alignment_length"`
	Mismatches              int             `json:"mismatches"`
	GapOpens                int             `json:"gap_opens"`
	QueryStart              int             `json:"query_start"`
	QueryEnd                int             `json:"query_end"`
	SequenceStart           int             `json:"sequence_start"`
	SequenceEnd             int             `json:"sequence_end"`
	EValue                  decimal.Decimal `json:"evalue"`
	BitScore                decimal.Decimal `json:"bit_score"`
}

func toDetails(d *run.Details) runResponse {
	out := toRun(d.Run)
	out.Queries = make([]queryResponse, len(d.Queries))
	for i, q := range d.Queries {
		out.Queries[i] = queryResponse{
			Definition:      q.Definition,
			Sequence:        q.Sequence,
			OriginalSpecies: q.OriginalSpecies,
			ResultsSpecies:  q.ResultsSpecies,
			Category:        q.Category,
		}
	}
	out.Hits = make([]hitResponse, len(d.Hits))
	for i, h := range d.Hits {
		out.Hits[i] = hitResponse{
			SequenceID:              h.SequenceID,
			QueryAccessionVersion:   h.QueryAccessionVersion,
			SubjectAccessionVersion: h.SubjectAccessionVersion,
			PercentIdentity:         h.PercentIdentity,
			AlignmentLength:         h.AlignmentLength,
			Mismatches:              h.Mismatches,
			GapOpens:                h.GapOpens,
			QueryStart:              h.QueryStart,
			QueryEnd:                h.QueryEnd,
			SequenceStart:           h.SequenceStart,
			SequenceEnd:             h.SequenceEnd,
			EValue:                  h.EValue,
			BitScore:                h.BitScore,
		}
	}
	return out
}
