package emr

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/infrastructure/postgres"
)

// PostgresStore implements the store contracts on the EMR schema. Every
// call joins the transaction carried by the context when there is one.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgresStore creates a store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{pool: pool, logger: logger, tracer: otel.Tracer("emr")}
}

func (s *PostgresStore) conn(ctx context.Context) postgres.Querier {
	return postgres.Conn(ctx, s.pool)
}

// --- patients ---

// GetPatientByHealthID implements PatientStore.
func (s *PostgresStore) GetPatientByHealthID(ctx context.Context, healthID string) (*Patient, error) {
	query := `
		SELECT uuid, health_id, dead, death_date, COALESCE(cause_of_death, ''),
		       COALESCE(changed_by, ''), date_changed
		FROM patient WHERE health_id = $1
	`
	p := &Patient{}
	err := s.conn(ctx).QueryRow(ctx, query, healthID).Scan(
		&p.UUID, &p.HealthID, &p.Dead, &p.DeathDate, &p.CauseOfDeath, &p.ChangedBy, &p.DateChanged,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get patient %s: %w", healthID, err)
	}
	return p, nil
}

// SavePatient implements PatientStore.
func (s *PostgresStore) SavePatient(ctx context.Context, p *Patient) error {
	if p.UUID == "" {
		p.UUID = uuid.NewString()
	}
	query := `
		INSERT INTO patient (uuid, health_id, dead, death_date, cause_of_death, changed_by, date_changed)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		ON CONFLICT (uuid) DO UPDATE
		SET health_id = EXCLUDED.health_id,
		    dead = EXCLUDED.dead,
		    death_date = EXCLUDED.death_date,
		    cause_of_death = EXCLUDED.cause_of_death,
		    changed_by = EXCLUDED.changed_by,
		    date_changed = EXCLUDED.date_changed
	`
	_, err := s.conn(ctx).Exec(ctx, query,
		p.UUID, p.HealthID, p.Dead, p.DeathDate, p.CauseOfDeath, p.ChangedBy, p.DateChanged)
	if err != nil {
		return fmt.Errorf("save patient %s: %w", p.HealthID, err)
	}
	return nil
}

// MergePatients moves the visits and encounters of retiredHealthID onto
// retainedHealthID. Both patients must exist.
func (s *PostgresStore) MergePatients(ctx context.Context, retainedHealthID, retiredHealthID string) error {
	ctx, span := s.tracer.Start(ctx, "emr_merge_patients",
		trace.WithAttributes(
			attribute.String("retained_health_id", retainedHealthID),
			attribute.String("retired_health_id", retiredHealthID),
		))
	defer span.End()

	retained, err := s.GetPatientByHealthID(ctx, retainedHealthID)
	if err != nil {
		return err
	}
	retired, err := s.GetPatientByHealthID(ctx, retiredHealthID)
	if err != nil {
		return err
	}
	if retained == nil || retired == nil {
		return fmt.Errorf("merge %s into %s: patient missing", retiredHealthID, retainedHealthID)
	}

	q := s.conn(ctx)
	for _, table := range []string{"visit", "encounter"} {
		query := `UPDATE ` + table + ` SET patient_uuid = $1 WHERE patient_uuid = $2`
		if _, err := q.Exec(ctx, query, retained.UUID, retired.UUID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("merge %s rows: %w", table, err)
		}
	}

	s.logger.Info("patients merged",
		zap.String("retained_health_id", retainedHealthID),
		zap.String("retired_health_id", retiredHealthID))
	return nil
}

// --- providers ---

// FindProvider implements ProviderLookup.
func (s *PostgresStore) FindProvider(ctx context.Context, reference string) (*Provider, error) {
	identifier := ProviderIdentifier(reference)
	if identifier == "" {
		return nil, nil
	}
	return s.scanProvider(ctx, `SELECT id, uuid, identifier, name FROM provider WHERE identifier = $1`, identifier)
}

// DefaultProvider implements ProviderLookup.
func (s *PostgresStore) DefaultProvider(ctx context.Context) (*Provider, error) {
	return s.scanProvider(ctx, `SELECT id, uuid, identifier, name FROM provider WHERE is_default ORDER BY id LIMIT 1`)
}

func (s *PostgresStore) scanProvider(ctx context.Context, query string, args ...any) (*Provider, error) {
	p := &Provider{}
	err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&p.ID, &p.UUID, &p.Identifier, &p.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find provider: %w", err)
	}
	return p, nil
}

// --- visits and encounters ---

// FindOrInitializeVisit implements EncounterStore. A transaction-scoped
// advisory lock keyed by patient serializes concurrent callers until the
// surrounding transaction ends.
func (s *PostgresStore) FindOrInitializeVisit(ctx context.Context, patient *Patient, req VisitRequest) (*Visit, error) {
	ctx, span := s.tracer.Start(ctx, "emr_find_or_initialize_visit",
		trace.WithAttributes(attribute.String("patient_uuid", patient.UUID)))
	defer span.End()

	q := s.conn(ctx)
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "visit:"+patient.UUID); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("lock patient visits: %w", err)
	}

	query := `
		SELECT uuid, patient_uuid, visit_type, COALESCE(location_id, ''),
		       start_datetime, stop_datetime, COALESCE(creator, ''), COALESCE(changed_by, '')
		FROM visit
		WHERE patient_uuid = $1
		  AND visit_type = $3
		  AND COALESCE(location_id, '') = $4
		  AND start_datetime <= $2
		  AND (stop_datetime IS NULL OR stop_datetime >= $2)
		ORDER BY start_datetime DESC
		LIMIT 1
	`
	v := &Visit{}
	err := q.QueryRow(ctx, query, patient.UUID, req.At, req.VisitType, req.LocationID).Scan(
		&v.UUID, &v.PatientUUID, &v.VisitType, &v.LocationID,
		&v.StartDatetime, &v.StopDatetime, &v.Creator, &v.ChangedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return InitializeVisit(patient, req), nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("find visit: %w", err)
	}

	rows, err := q.Query(ctx, `SELECT uuid FROM encounter WHERE visit_uuid = $1`, v.UUID)
	if err != nil {
		return nil, fmt.Errorf("list visit encounters: %w", err)
	}
	v.Encounters, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list visit encounters: %w", err)
	}
	return v, nil
}

// SaveVisit implements EncounterStore.
func (s *PostgresStore) SaveVisit(ctx context.Context, v *Visit) error {
	q := s.conn(ctx)
	query := `
		INSERT INTO visit (uuid, patient_uuid, visit_type, location_id, start_datetime, stop_datetime, creator, changed_by, date_changed)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), NULLIF($8, ''), NOW())
		ON CONFLICT (uuid) DO UPDATE
		SET visit_type = EXCLUDED.visit_type,
		    start_datetime = EXCLUDED.start_datetime,
		    stop_datetime = EXCLUDED.stop_datetime,
		    changed_by = EXCLUDED.changed_by,
		    date_changed = NOW()
	`
	_, err := q.Exec(ctx, query,
		v.UUID, v.PatientUUID, v.VisitType, v.LocationID, v.StartDatetime, v.StopDatetime, v.Creator, v.ChangedBy)
	if err != nil {
		return fmt.Errorf("save visit %s: %w", v.UUID, err)
	}

	if len(v.Encounters) > 0 {
		if _, err := q.Exec(ctx, `UPDATE encounter SET visit_uuid = $1 WHERE uuid = ANY($2)`, v.UUID, v.Encounters); err != nil {
			return fmt.Errorf("attach encounters to visit %s: %w", v.UUID, err)
		}
	}
	v.New = false
	return nil
}

// GetEncounter implements EncounterStore. Obs are loaded as a tree; orders
// are loaded with their concepts.
func (s *PostgresStore) GetEncounter(ctx context.Context, id string) (*Encounter, error) {
	q := s.conn(ctx)
	query := `
		SELECT uuid, patient_uuid, COALESCE(visit_uuid, ''), encounter_type,
		       encounter_datetime, COALESCE(location_id, ''), COALESCE(creator, ''),
		       COALESCE(changed_by, ''), date_changed
		FROM encounter WHERE uuid = $1
	`
	e := &Encounter{}
	err := q.QueryRow(ctx, query, id).Scan(
		&e.UUID, &e.PatientUUID, &e.VisitUUID, &e.EncounterType, &e.EncounterDatetime,
		&e.LocationID, &e.Creator, &e.ChangedBy, &e.DateChanged,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get encounter %s: %w", id, err)
	}

	if e.Providers, err = s.encounterProviders(ctx, id); err != nil {
		return nil, err
	}
	if e.Obs, err = s.encounterObs(ctx, id); err != nil {
		return nil, err
	}
	if e.Orders, err = s.encounterOrders(ctx, id); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *PostgresStore) encounterProviders(ctx context.Context, encounterUUID string) ([]*Provider, error) {
	query := `
		SELECT p.id, p.uuid, p.identifier, p.name
		FROM encounter_provider ep JOIN provider p ON p.id = ep.provider_id
		WHERE ep.encounter_uuid = $1
		ORDER BY p.id
	`
	rows, err := s.conn(ctx).Query(ctx, query, encounterUUID)
	if err != nil {
		return nil, fmt.Errorf("list encounter providers: %w", err)
	}
	defer rows.Close()

	var out []*Provider
	for rows.Next() {
		p := &Provider{}
		if err := rows.Scan(&p.ID, &p.UUID, &p.Identifier, &p.Name); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) encounterObs(ctx context.Context, encounterUUID string) ([]*Obs, error) {
	query := `
		SELECT o.id, o.uuid, o.obs_group_id, COALESCE(o.order_uuid, ''), o.obs_datetime,
		       o.value_numeric, o.value_text, o.value_datetime, o.value_boolean,
		       ` + conceptColsAs("c") + `,
		       vc.id, COALESCE(vc.uuid, ''), COALESCE(vc.name, ''), COALESCE(vc.version, ''),
		       COALESCE(vc.class, ''), COALESCE(vc.datatype, '')
		FROM obs o
		JOIN concept c ON c.id = o.concept_id
		LEFT JOIN concept vc ON vc.id = o.value_coded
		WHERE o.encounter_uuid = $1
		ORDER BY o.id
	`
	rows, err := s.conn(ctx).Query(ctx, query, encounterUUID)
	if err != nil {
		return nil, fmt.Errorf("list encounter obs: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*Obs)
	parents := make(map[int64]int64)
	var ordered []*Obs
	for rows.Next() {
		o := &Obs{Concept: &Concept{}}
		var groupID, codedID *int64
		coded := &Concept{}
		if err := rows.Scan(
			&o.ID, &o.UUID, &groupID, &o.OrderUUID, &o.ObsDatetime,
			&o.ValueNumeric, &o.ValueText, &o.ValueDatetime, &o.ValueBoolean,
			&o.Concept.ID, &o.Concept.UUID, &o.Concept.Name, &o.Concept.Version, &o.Concept.Class, &o.Concept.Datatype,
			&codedID, &coded.UUID, &coded.Name, &coded.Version, &coded.Class, &coded.Datatype,
		); err != nil {
			return nil, fmt.Errorf("scan obs: %w", err)
		}
		if codedID != nil {
			coded.ID = *codedID
			o.ValueCoded = coded
		}
		if groupID != nil {
			parents[o.ID] = *groupID
		}
		byID[o.ID] = o
		ordered = append(ordered, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var roots []*Obs
	for _, o := range ordered {
		if parentID, ok := parents[o.ID]; ok {
			if parent, ok := byID[parentID]; ok {
				parent.GroupMembers = append(parent.GroupMembers, o)
				continue
			}
		}
		roots = append(roots, o)
	}
	return roots, nil
}

func (s *PostgresStore) encounterOrders(ctx context.Context, encounterUUID string) ([]*Order, error) {
	rows, err := s.conn(ctx).Query(ctx, orderSelect+` WHERE o.encounter_uuid = $1 ORDER BY o.date_activated, o.id`, encounterUUID)
	if err != nil {
		return nil, fmt.Errorf("list encounter orders: %w", err)
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// SaveEncounter implements EncounterStore. The encounter row and its
// providers are upserted; obs not yet persisted are inserted as a tree.
// Orders are saved separately through SaveOrder.
func (s *PostgresStore) SaveEncounter(ctx context.Context, enc *Encounter) error {
	ctx, span := s.tracer.Start(ctx, "emr_save_encounter",
		trace.WithAttributes(attribute.String("encounter_uuid", enc.UUID)))
	defer span.End()

	if enc.UUID == "" {
		enc.UUID = uuid.NewString()
	}
	q := s.conn(ctx)
	query := `
		INSERT INTO encounter (uuid, patient_uuid, visit_uuid, encounter_type, encounter_datetime, location_id, creator, changed_by, date_changed)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (uuid) DO UPDATE
		SET visit_uuid = EXCLUDED.visit_uuid,
		    encounter_type = EXCLUDED.encounter_type,
		    encounter_datetime = EXCLUDED.encounter_datetime,
		    location_id = EXCLUDED.location_id,
		    changed_by = EXCLUDED.changed_by,
		    date_changed = EXCLUDED.date_changed
	`
	if _, err := q.Exec(ctx, query,
		enc.UUID, enc.PatientUUID, enc.VisitUUID, enc.EncounterType, enc.EncounterDatetime,
		enc.LocationID, enc.Creator, enc.ChangedBy, enc.DateChanged,
	); err != nil {
		span.RecordError(err)
		return fmt.Errorf("save encounter %s: %w", enc.UUID, err)
	}

	for _, p := range enc.Providers {
		if p == nil || p.ID == 0 {
			continue
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO encounter_provider (encounter_uuid, provider_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			enc.UUID, p.ID,
		); err != nil {
			return fmt.Errorf("save encounter provider: %w", err)
		}
	}

	for _, o := range enc.Obs {
		if err := s.insertObs(ctx, q, enc, o, nil); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (s *PostgresStore) insertObs(ctx context.Context, q postgres.Querier, enc *Encounter, o *Obs, groupID *int64) error {
	if o.ID == 0 {
		if o.UUID == "" {
			o.UUID = uuid.NewString()
		}
		if o.ObsDatetime.IsZero() {
			o.ObsDatetime = enc.EncounterDatetime
		}
		var coded *int64
		if o.ValueCoded != nil {
			coded = &o.ValueCoded.ID
		}
		query := `
			INSERT INTO obs (uuid, encounter_uuid, obs_group_id, concept_id, order_uuid, obs_datetime,
			                 value_numeric, value_text, value_coded, value_datetime, value_boolean)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
			RETURNING id
		`
		if err := q.QueryRow(ctx, query,
			o.UUID, enc.UUID, groupID, o.Concept.ID, o.OrderUUID, o.ObsDatetime,
			o.ValueNumeric, o.ValueText, coded, o.ValueDatetime, o.ValueBoolean,
		).Scan(&o.ID); err != nil {
			return fmt.Errorf("insert obs %s: %w", o.Concept.Name, err)
		}
	}
	for _, m := range o.GroupMembers {
		if err := s.insertObs(ctx, q, enc, m, &o.ID); err != nil {
			return err
		}
	}
	return nil
}

// --- orders ---

const orderSelect = `
	SELECT o.id, o.uuid, o.encounter_uuid, o.action, COALESCE(o.previous_order_uuid, ''),
	       o.care_setting, o.date_activated, o.auto_expire_date, COALESCE(o.comment_to_fulfiller, ''),
	       COALESCE(o.creator, ''), o.orderer_id,
	       c.id, c.uuid, c.name, COALESCE(c.version, ''), c.class, c.datatype
	FROM orders o
	JOIN concept c ON c.id = o.concept_id
`

func scanOrder(row pgx.Row) (*Order, error) {
	o := &Order{Concept: &Concept{}}
	var ordererID *int64
	err := row.Scan(
		&o.ID, &o.UUID, &o.EncounterUUID, &o.Action, &o.PreviousOrderUUID,
		&o.CareSetting, &o.DateActivated, &o.AutoExpireDate, &o.CommentToFulfiller,
		&o.Creator, &ordererID,
		&o.Concept.ID, &o.Concept.UUID, &o.Concept.Name, &o.Concept.Version, &o.Concept.Class, &o.Concept.Datatype,
	)
	if err != nil {
		return nil, err
	}
	if ordererID != nil {
		o.Orderer = &Provider{ID: *ordererID}
	}
	return o, nil
}

// GetOrderByUUID implements OrderStore.
func (s *PostgresStore) GetOrderByUUID(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(s.conn(ctx).QueryRow(ctx, orderSelect+` WHERE o.uuid = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

// SaveOrder implements OrderStore. Only orders that have not been persisted are inserted.
func (s *PostgresStore) SaveOrder(ctx context.Context, o *Order) error {
	if !o.IsNew() {
		return nil
	}
	if o.UUID == "" {
		o.UUID = uuid.NewString()
	}
	var ordererID *int64
	if o.Orderer != nil && o.Orderer.ID != 0 {
		ordererID = &o.Orderer.ID
	}
	query := `
		INSERT INTO orders (uuid, encounter_uuid, concept_id, action, previous_order_uuid, orderer_id,
		                    care_setting, date_activated, auto_expire_date, comment_to_fulfiller, creator)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''))
		RETURNING id
	`
	err := s.conn(ctx).QueryRow(ctx, query,
		o.UUID, o.EncounterUUID, o.Concept.ID, o.Action, o.PreviousOrderUUID, ordererID,
		o.CareSetting, o.DateActivated, o.AutoExpireDate, o.CommentToFulfiller, o.Creator,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("save order %s: %w", o.UUID, err)
	}
	return nil
}

// --- concepts ---

func conceptColsAs(alias string) string {
	return alias + ".id, " + alias + ".uuid, " + alias + ".name, COALESCE(" + alias + ".version, ''), " +
		alias + ".class, " + alias + ".datatype"
}

// FindConceptByCode implements ConceptLookup by reference term.
func (s *PostgresStore) FindConceptByCode(ctx context.Context, codings []fhir.Coding) (*Concept, error) {
	query := `
		SELECT ` + conceptColsAs("c") + `
		FROM concept c
		JOIN concept_reference_term t ON t.concept_id = c.id
		WHERE t.code = $1 AND ($2 = '' OR t.system = $2)
		ORDER BY c.id
		LIMIT 1
	`
	for _, coding := range codings {
		if coding.Code == "" {
			continue
		}
		c := &Concept{}
		err := s.conn(ctx).QueryRow(ctx, query, coding.Code, coding.System).Scan(
			&c.ID, &c.UUID, &c.Name, &c.Version, &c.Class, &c.Datatype,
		)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("find concept %s|%s: %w", coding.System, coding.Code, err)
		}
	}
	return nil, nil
}

// FindConceptByCodings implements ConceptLookup, creating a local concept
// when no reference term matches.
func (s *PostgresStore) FindConceptByCodings(ctx context.Context, codings []fhir.Coding, facilityID, defaultClass, defaultDatatype string) (*Concept, error) {
	if !hasResolvableCoding(codings) {
		return nil, nil
	}
	c, err := s.FindConceptByCode(ctx, codings)
	if err != nil || c != nil {
		return c, err
	}

	c = newLocalConcept(codings, facilityID, defaultClass, defaultDatatype)
	q := s.conn(ctx)
	query := `
		INSERT INTO concept (uuid, name, version, class, datatype)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	if err := q.QueryRow(ctx, query, c.UUID, c.Name, c.Version, c.Class, c.Datatype).Scan(&c.ID); err != nil {
		return nil, fmt.Errorf("create local concept %s: %w", c.Name, err)
	}
	for _, term := range c.ReferenceTerms {
		if _, err := q.Exec(ctx,
			`INSERT INTO concept_reference_term (concept_id, system, code) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			c.ID, term.System, term.Code,
		); err != nil {
			return nil, fmt.Errorf("create reference term %s: %w", term.Code, err)
		}
	}

	s.logger.Info("local concept created",
		zap.String("concept_uuid", c.UUID),
		zap.String("name", c.Name),
		zap.String("facility_id", facilityID))
	return c, nil
}
