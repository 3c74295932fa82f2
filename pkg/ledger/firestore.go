package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/teslashibe/go-sortbin/internal/httpc"
	"github.com/teslashibe/go-sortbin/internal/log"
	"github.com/teslashibe/go-sortbin/pkg/detection"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/firestore/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Firestore document layout shared with the mobile app
const (
	donorCollection   = "Brindador"
	depositCollection = "Depositos"

	fieldPoints       = "bioCoins"
	fieldKilograms    = "totalKgReciclados"
	fieldMaterials    = "materialesReciclados"
	fieldLastActivity = "ultimaActividad"
	fieldLevel        = "nivel"
	fieldLastMaterial = "ultimoMaterial"
)

// FirestoreConfig configures the cloud ledger
type FirestoreConfig struct {
	Project         string
	Database        string // default "(default)"
	DonorID         string
	CredentialsFile string

	// Endpoint and HTTPClient override the API location and transport.
	// With HTTPClient set no credentials are loaded.
	Endpoint   string
	HTTPClient *http.Client
}

// Firestore records deposits on the donor's document with server-side
// increments, so concurrent bins never lose points.
type Firestore struct {
	docs     *firestore.ProjectsDatabasesDocumentsService
	database string
	donorDoc string
	donorID  string
	logger   *slog.Logger
}

// NewFirestore connects to the Firestore REST API
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	if cfg.Project == "" {
		return nil, errors.New("ledger: firestore project is required")
	}
	if cfg.DonorID == "" {
		return nil, errors.New("ledger: donor id is required")
	}
	if cfg.Database == "" {
		cfg.Database = "(default)"
	}

	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = credentialsClient(ctx, cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	svc, err := firestore.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ledger: firestore service: %w", err)
	}

	database := fmt.Sprintf("projects/%s/databases/%s", cfg.Project, cfg.Database)
	return &Firestore{
		docs:     svc.Projects.Databases.Documents,
		database: database,
		donorDoc: fmt.Sprintf("%s/documents/%s/%s", database, donorCollection, cfg.DonorID),
		donorID:  cfg.DonorID,
		logger:   log.Component("ledger"),
	}, nil
}

// credentialsClient builds an authorized client on top of the shared
// transport. An empty file uses application default credentials.
func credentialsClient(ctx context.Context, file string) (*http.Client, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpc.Client)

	var creds *google.Credentials
	var err error
	if file != "" {
		data, rerr := os.ReadFile(file)
		if rerr != nil {
			return nil, fmt.Errorf("ledger: read credentials: %w", rerr)
		}
		creds, err = google.CredentialsFromJSON(ctx, data, firestore.DatastoreScope)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, firestore.DatastoreScope)
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: google credentials: %w", err)
	}
	return oauth2.NewClient(ctx, creds.TokenSource), nil
}

func intValue(n int64) *firestore.Value {
	return &firestore.Value{IntegerValue: n, ForceSendFields: []string{"IntegerValue"}}
}

func doubleValue(f float64) *firestore.Value {
	return &firestore.Value{DoubleValue: f, ForceSendFields: []string{"DoubleValue"}}
}

func stringValue(s string) firestore.Value {
	return firestore.Value{StringValue: s, ForceSendFields: []string{"StringValue"}}
}

// Record commits, in one request, the increments on the donor document and
// the deposit record. The level is derived from the incremented balance and
// written afterwards; a failure there is logged only.
func (f *Firestore) Record(ctx context.Context, d Deposit) (Delta, error) {
	if err := validate(d); err != nil {
		return Delta{}, err
	}

	at := d.At
	if at.IsZero() {
		at = time.Now()
	}
	points := PointsFor(d.Label, d.Category)
	kg := float64(GramsPerItem) / 1000
	cat := d.Category.String()

	donorUpdate := &firestore.Write{
		Update: &firestore.Document{
			Name:   f.donorDoc,
			Fields: map[string]firestore.Value{fieldLastMaterial: stringValue(cat)},
		},
		UpdateMask:      &firestore.DocumentMask{FieldPaths: []string{fieldLastMaterial}},
		CurrentDocument: &firestore.Precondition{Exists: true, ForceSendFields: []string{"Exists"}},
		UpdateTransforms: []*firestore.FieldTransform{
			{FieldPath: fieldPoints, Increment: intValue(int64(points))},
			{FieldPath: fieldKilograms, Increment: doubleValue(kg)},
			{FieldPath: fieldMaterials + "." + cat, Increment: doubleValue(kg)},
			{FieldPath: fieldLastActivity, SetToServerValue: "REQUEST_TIME"},
		},
	}

	depositRecord := &firestore.Write{
		Update: &firestore.Document{
			Name: fmt.Sprintf("%s/documents/%s/%s", f.database, depositCollection, d.ID),
			Fields: map[string]firestore.Value{
				"brindadorId": stringValue(f.donorID),
				"material":    stringValue(cat),
				"etiqueta":    stringValue(d.Label),
				"confianza":   *doubleValue(d.Confidence),
				"puntos":      *intValue(int64(points)),
				"gramos":      *intValue(GramsPerItem),
				"fecha":       {TimestampValue: at.UTC().Format(time.RFC3339Nano)},
			},
		},
		CurrentDocument: &firestore.Precondition{Exists: false, ForceSendFields: []string{"Exists"}},
	}

	resp, err := f.docs.Commit(f.database, &firestore.CommitRequest{
		Writes: []*firestore.Write{donorUpdate, depositRecord},
	}).Context(ctx).Do()
	if err != nil {
		return Delta{}, classify(err, d.ID)
	}

	delta := Delta{
		DepositID:  d.ID,
		DonorID:    f.donorID,
		Category:   d.Category,
		Label:      d.Label,
		Points:     points,
		Grams:      GramsPerItem,
		RecordedAt: at,
	}

	if len(resp.WriteResults) > 0 && len(resp.WriteResults[0].TransformResults) >= 2 {
		tr := resp.WriteResults[0].TransformResults
		delta.TotalPoints = int(tr[0].IntegerValue)
		delta.TotalGrams = int(numberOf(tr[1])*1000 + 0.5)
	}
	delta.Level = LevelFor(delta.TotalPoints)

	_, err = f.docs.Patch(f.donorDoc, &firestore.Document{
		Fields: map[string]firestore.Value{fieldLevel: stringValue(delta.Level)},
	}).UpdateMaskFieldPaths(fieldLevel).CurrentDocumentExists(true).Context(ctx).Do()
	if err != nil {
		f.logger.Warn("level update failed", "donor", f.donorID, "level", delta.Level, "error", err)
	}

	return delta, nil
}

func classify(err error, depositID string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNoDonor, err)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", ErrDuplicate, depositID)
		case http.StatusBadRequest:
			// A failed precondition on the donor document also surfaces here
			if strings.Contains(strings.ToLower(gerr.Message), "no document to update") {
				return fmt.Errorf("%w: %v", ErrNoDonor, err)
			}
		}
	}
	return fmt.Errorf("ledger: firestore commit: %w", err)
}

// Totals reads the donor document
func (f *Firestore) Totals(ctx context.Context) (Totals, error) {
	doc, err := f.docs.Get(f.donorDoc).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return Totals{}, fmt.Errorf("%w: %s", ErrNoDonor, f.donorID)
		}
		return Totals{}, fmt.Errorf("ledger: firestore get: %w", err)
	}

	t := Totals{DonorID: f.donorID, ByCategory: make(map[detection.Category]int)}
	if v, ok := doc.Fields[fieldPoints]; ok {
		t.Points = int(numberOf(&v))
	}
	if v, ok := doc.Fields[fieldKilograms]; ok {
		t.Grams = int(numberOf(&v)*1000 + 0.5)
	}
	if v, ok := doc.Fields[fieldMaterials]; ok && v.MapValue != nil {
		for name, mv := range v.MapValue.Fields {
			cat, err := detection.ParseCategory(name)
			if err != nil {
				continue
			}
			items := int(numberOf(&mv)*1000/GramsPerItem + 0.5)
			t.ByCategory[cat] += items
			t.Items += items
		}
	}
	if v, ok := doc.Fields[fieldLastActivity]; ok && v.TimestampValue != "" {
		if ts, err := time.Parse(time.RFC3339Nano, v.TimestampValue); err == nil {
			t.LastActivity = ts
		}
	}
	t.Level = LevelFor(t.Points)
	return t, nil
}

// numberOf reads an integer or double value
func numberOf(v *firestore.Value) float64 {
	if v == nil {
		return 0
	}
	if v.DoubleValue != 0 {
		return v.DoubleValue
	}
	return float64(v.IntegerValue)
}

// Close is a no-op; the REST client holds no connections of its own
func (f *Firestore) Close() error {
	return nil
}
