package mapper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-shrsync/internal/emr"
	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/internal/ledger"
)

// ProcedureRequestMapper maps procedure orders. A cancelled request becomes
// a DISCONTINUE order pointing at the order its previous version created.
type ProcedureRequestMapper struct {
	ledger    ledger.Store
	orders    emr.OrderStore
	concepts  emr.ConceptLookup
	providers emr.ProviderLookup
	logger    *zap.Logger
}

// NewProcedureRequestMapper creates the procedure order variant.
func NewProcedureRequestMapper(store ledger.Store, orders emr.OrderStore, concepts emr.ConceptLookup, providers emr.ProviderLookup, logger *zap.Logger) *ProcedureRequestMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcedureRequestMapper{
		ledger:    store,
		orders:    orders,
		concepts:  concepts,
		providers: providers,
		logger:    logger,
	}
}

// Name implements ResourceMapper.
func (m *ProcedureRequestMapper) Name() string { return "procedure-request" }

// Deferred maps cancellations after the rest of the bundle, so the request
// they stop already has its draft order.
func (m *ProcedureRequestMapper) Deferred(res fhir.Resource) bool {
	pr, ok := res.(*fhir.ProcedureRequest)
	return ok && pr.IsCancelled()
}

// CanHandle implements ResourceMapper.
func (m *ProcedureRequestMapper) CanHandle(res fhir.Resource, props Properties) bool {
	pr, ok := res.(*fhir.ProcedureRequest)
	return ok && pr.CategoryCode() == props.ProcedureOrderTypeCode
}

// Map implements ResourceMapper.
func (m *ProcedureRequestMapper) Map(ctx context.Context, res fhir.Resource, draft *EncounterDraft, src *EncounterBundle, props Properties) error {
	pr := res.(*fhir.ProcedureRequest)
	log := m.logger.With(
		zap.String("encounter_id", src.EncounterID),
		zap.String("procedure_request_id", pr.ID))

	requestID := fhir.IDPart(src.Bundle.RefOf(pr))
	externalID := ledger.ProcedureOrderExternalID(src.EncounterID, requestID)
	existing, err := m.ledger.FindByExternalID(ctx, externalID, ledger.EntityProcedureOrder)
	if err != nil {
		return &MapError{Resource: fhir.TypeProcedureRequest, Code: "LEDGER", Message: "check order mapping", Cause: err}
	}
	if existing != nil {
		log.Debug("procedure order already applied")
		return nil
	}

	provenance := findProvenance(src.Bundle, src.Bundle.RefOf(pr))

	var previous *emr.Order
	if pr.IsCancelled() {
		previous, err = m.previousOrder(ctx, pr, draft, src)
		if err != nil {
			return err
		}
		if previous == nil {
			log.Info("cancelled procedure request dropped, previous order unresolved")
			return nil
		}
	}

	concept, err := m.concepts.FindConceptByCode(ctx, pr.Code.Coding)
	if err != nil {
		return &MapError{Resource: fhir.TypeProcedureRequest, Code: "CONCEPT_LOOKUP", Message: "resolve order concept", Cause: err}
	}
	if concept == nil {
		log.Info("procedure request dropped, concept unresolved")
		return nil
	}

	orderer, err := m.orderer(ctx, provenance)
	if err != nil {
		return err
	}

	order := &emr.Order{
		UUID:               uuid.NewString(),
		Concept:            concept,
		Action:             emr.ActionNew,
		Orderer:            orderer,
		CareSetting:        props.CareSetting,
		DateActivated:      activationTime(pr, draft.Encounter.EncounterDatetime),
		CommentToFulfiller: pr.FirstNote(),
	}
	if previous != nil {
		order.Action = emr.ActionDiscontinue
		order.PreviousOrderUUID = previous.UUID
	}
	expire := order.DateActivated.Add(props.OrderAutoExpire)
	order.AutoExpireDate = &expire

	draft.AddOrder(order)
	draft.Mappings = append(draft.Mappings, ledger.IdMapping{
		InternalID: order.UUID,
		ExternalID: externalID,
		EntityType: ledger.EntityProcedureOrder,
		HealthID:   src.HealthID,
		URI:        props.URIs.Resource(src.HealthID, src.EncounterID, fhir.TypeProcedureRequest, requestID),
	})
	return nil
}

// activationTime is authoredOn, else the encounter time. A cancellation
// without authoredOn is placed one second later so it sorts after the order it stops.
func activationTime(pr *fhir.ProcedureRequest, encounterTime time.Time) time.Time {
	if pr.AuthoredOn != nil {
		return *pr.AuthoredOn
	}
	if pr.IsCancelled() {
		return encounterTime.Add(time.Second)
	}
	return encounterTime
}

// previousOrder follows relevantHistory[0] to the provenance of the earlier
// request. An order created from the same bundle is taken from the draft;
// otherwise the ledger leads to the order a previous sync created.
func (m *ProcedureRequestMapper) previousOrder(ctx context.Context, pr *fhir.ProcedureRequest, draft *EncounterDraft, src *EncounterBundle) (*emr.Order, error) {
	if len(pr.RelevantHistory) == 0 {
		return nil, nil
	}
	prov, ok := src.Bundle.FindByReference(pr.RelevantHistory[0].Reference).(*fhir.Provenance)
	if !ok {
		return nil, nil
	}
	target := prov.FirstTarget()
	if target == "" {
		return nil, nil
	}

	externalID := ledger.ProcedureOrderExternalID(src.EncounterID, fhir.IDPart(target))
	if o := draft.orderFor(externalID, ledger.EntityProcedureOrder); o != nil {
		return o, nil
	}
	mapping, err := m.ledger.FindByExternalID(ctx, externalID, ledger.EntityProcedureOrder)
	if err != nil {
		return nil, &MapError{Resource: fhir.TypeProcedureRequest, Code: "LEDGER", Message: "resolve previous order", Cause: err}
	}
	if mapping == nil {
		return nil, nil
	}
	order, err := m.orders.GetOrderByUUID(ctx, mapping.InternalID)
	if err != nil {
		return nil, &MapError{Resource: fhir.TypeProcedureRequest, Code: "ORDER_LOOKUP", Message: "load previous order", Cause: err}
	}
	return order, nil
}

func (m *ProcedureRequestMapper) orderer(ctx context.Context, prov *fhir.Provenance) (*emr.Provider, error) {
	if who := prov.FirstAgentWho(); who != "" {
		p, err := m.providers.FindProvider(ctx, who)
		if err != nil {
			return nil, &MapError{Resource: fhir.TypeProvenance, Code: "PROVIDER_LOOKUP", Message: "resolve orderer", Cause: err}
		}
		if p != nil {
			return p, nil
		}
	}
	p, err := m.providers.DefaultProvider(ctx)
	if err != nil {
		return nil, &MapError{Resource: fhir.TypeProvenance, Code: "PROVIDER_LOOKUP", Message: "load default provider", Cause: err}
	}
	return p, nil
}

// findProvenance returns the provenance whose first target is ref.
func findProvenance(b *fhir.Bundle, ref string) *fhir.Provenance {
	for _, p := range b.Provenances() {
		if p.FirstTarget() == ref {
			return p
		}
	}
	return nil
}
