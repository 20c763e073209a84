package stu3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const encounterBundleJSON = `{
  "resourceType": "Bundle",
  "id": "b-1",
  "type": "collection",
  "entry": [
    {
      "fullUrl": "urn:uuid:comp-1",
      "resource": {
        "resourceType": "Composition",
        "id": "comp-1",
        "date": "2015-09-22T17:04:38+05:30",
        "confidentiality": "N",
        "encounter": {"reference": "urn:uuid:enc-1"}
      }
    },
    {
      "fullUrl": "urn:uuid:enc-1",
      "resource": {
        "resourceType": "Encounter",
        "id": "enc-1",
        "class": {"code": "AMB"},
        "participant": [{"individual": {"reference": "http://pr/practitioners/812.json"}}]
      }
    },
    {
      "fullUrl": "urn:uuid:obs-1",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-1",
        "code": {"coding": [{"code": "pulse", "display": "Pulse"}]},
        "valueQuantity": {"value": 72, "unit": "/min"},
        "related": [{"type": "has-member", "target": {"reference": "urn:uuid:obs-2"}}]
      }
    },
    {
      "fullUrl": "urn:uuid:obs-2",
      "resource": {
        "resourceType": "Observation",
        "id": "obs-2",
        "code": {"text": "note"},
        "valueString": "regular"
      }
    },
    {
      "fullUrl": "urn:uuid:x-1",
      "resource": {"resourceType": "Condition", "id": "x-1"}
    }
  ]
}`

func TestParseBundle(t *testing.T) {
	b, err := ParseBundle([]byte(encounterBundleJSON))
	require.NoError(t, err)
	require.Len(t, b.Entry, 5)

	comp := b.Composition()
	require.NotNil(t, comp)
	assert.Equal(t, "comp-1", comp.ID)

	enc := b.Encounter()
	require.NotNil(t, enc)
	assert.Equal(t, "AMB", enc.Class.Code)
	assert.Equal(t, "812.json", enc.FirstParticipant().IDPart())

	obs, ok := b.Entry[2].Resource.(*Observation)
	require.True(t, ok)
	q, ok := obs.Value().(*Quantity)
	require.True(t, ok)
	assert.Equal(t, 72.0, *q.Value)

	unknown, ok := b.Entry[4].Resource.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, "Condition", unknown.GetResourceType())
}

func TestParseBundle_RejectsOtherDocuments(t *testing.T) {
	_, err := ParseBundle([]byte(`{"resourceType":"Patient","id":"p"}`))
	assert.Error(t, err)
}

func TestFindByReference(t *testing.T) {
	b, err := ParseBundle([]byte(encounterBundleJSON))
	require.NoError(t, err)

	child, ok := b.FindByReference("urn:uuid:obs-2").(*Observation)
	require.True(t, ok)
	assert.Equal(t, StringValue("regular"), child.Value())

	assert.NotNil(t, b.FindByReference("Observation/obs-1"))
	assert.Nil(t, b.FindByReference("urn:uuid:missing"))
	assert.Nil(t, b.FindByReference(""))

	assert.Equal(t, "urn:uuid:obs-2", b.RefOf(child))
}

func TestBundleConfidentiality(t *testing.T) {
	b := NewBundle("collection")
	assert.Equal(t, ConfidentialityNormal, b.Confidentiality())

	b.Add("urn:uuid:c", &Composition{ResourceType: TypeComposition, ID: "c", Confidentiality: "R"})
	assert.Equal(t, ConfidentialityRestricted, b.Confidentiality())

	b.Composition().Confidentiality = "Z"
	assert.Equal(t, ConfidentialityVeryRestricted, b.Confidentiality())

	b.Composition().Confidentiality = "l"
	assert.Equal(t, ConfidentialityLow, b.Confidentiality())
}

func TestObservationSetValueRoundTrip(t *testing.T) {
	obs := &Observation{}
	obs.SetValue(StringValue("hello"))
	assert.Equal(t, StringValue("hello"), obs.Value())

	obs = &Observation{}
	obs.SetValue(NewQuantity(5, "mg"))
	q := obs.Value().(*Quantity)
	assert.Equal(t, "mg", q.Unit)

	assert.Nil(t, (&Observation{}).Value())
}

func TestIDPart(t *testing.T) {
	assert.Equal(t, "123", IDPart("Encounter/123"))
	assert.Equal(t, "abc", IDPart("urn:uuid:abc"))
	assert.Equal(t, "plain", IDPart("plain"))
}
