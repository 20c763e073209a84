package emr

import (
	"context"

	fhir "github.com/drfirst/go-shrsync/internal/fhir/stu3"
	"github.com/drfirst/go-shrsync/pkg/circuitbreaker"
)

// GuardedConceptLookup routes concept resolution through a circuit breaker
// so a failing terminology backend fails events fast instead of stalling batches.
type GuardedConceptLookup struct {
	next    ConceptLookup
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedConceptLookup wraps next.
func NewGuardedConceptLookup(next ConceptLookup, breaker *circuitbreaker.CircuitBreaker) *GuardedConceptLookup {
	return &GuardedConceptLookup{next: next, breaker: breaker}
}

// FindConceptByCodings implements ConceptLookup.
func (g *GuardedConceptLookup) FindConceptByCodings(ctx context.Context, codings []fhir.Coding, facilityID, defaultClass, defaultDatatype string) (*Concept, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*Concept, error) {
		return g.next.FindConceptByCodings(ctx, codings, facilityID, defaultClass, defaultDatatype)
	})
}

// FindConceptByCode implements ConceptLookup.
func (g *GuardedConceptLookup) FindConceptByCode(ctx context.Context, codings []fhir.Coding) (*Concept, error) {
	return circuitbreaker.Do(ctx, g.breaker, func(ctx context.Context) (*Concept, error) {
		return g.next.FindConceptByCode(ctx, codings)
	})
}
