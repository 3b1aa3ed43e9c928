package snapshot

import (
	"path/filepath"
	"strings"

	"github.com/ehr/resourcestats/pkg/fhirmodels"
)

// CanonicalTypes maps export file stems to the resource type their records
// are counted under. Several stems may share one type (the observation
// category files); stems not listed here are used verbatim.
var CanonicalTypes = map[string]string{
	"ALLERGY_INTOLERANCE":       fhirmodels.ResourceAllergyIntolerance,
	"CARE_PLAN":                 fhirmodels.ResourceCarePlan,
	"CONDITION":                 fhirmodels.ResourceCondition,
	"PROBLEMS":                  fhirmodels.ResourceCondition,
	"DEVICE":                    fhirmodels.ResourceDevice,
	"DIAGNOSTIC_REPORT":         fhirmodels.ResourceDiagnosticReport,
	"DOCUMENT_REFERENCE":        fhirmodels.ResourceDocumentReference,
	"ENCOUNTER":                 fhirmodels.ResourceEncounter,
	"GOAL":                      fhirmodels.ResourceGoal,
	"IMMUNIZATION":              fhirmodels.ResourceImmunization,
	"MEDICATION_ADMINISTRATION": fhirmodels.ResourceMedicationAdministration,
	"MEDICATION_DISPENSE":       fhirmodels.ResourceMedicationDispense,
	"MEDICATION_ORDER":          fhirmodels.ResourceMedicationOrder,
	"MEDICATION_REQUEST":        fhirmodels.ResourceMedicationRequest,
	"MEDICATION_STATEMENT":      fhirmodels.ResourceMedicationStatement,
	"LAB":                       fhirmodels.ResourceObservation,
	"VITAL":                     fhirmodels.ResourceObservation,
	"VITAL_SIGNS":               fhirmodels.ResourceObservation,
	"SMOKING_STATUS":            fhirmodels.ResourceObservation,
	"SOCIAL_HISTORY":            fhirmodels.ResourceObservation,
	"PROCEDURE":                 fhirmodels.ResourceProcedure,
	"PATIENT_DEMOGRAPHICS":      fhirmodels.ResourcePatient,
}

// skippedFiles carry no countable records: manifests and demographics.
var skippedFiles = map[string]bool{
	"log.json":                  true,
	"manifest.json":             true,
	"PATIENT_DEMOGRAPHICS.json": true,
}

// FileTypes maps a file name inside a snapshot to the resource type its
// request targeted, as recorded by the snapshot manifest.
type FileTypes map[string]string

// Stem returns the file name without its extension.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// CanonicalType returns the resource type key for a file name using the
// static table.
func CanonicalType(name string) string {
	stem := Stem(name)
	if t, ok := CanonicalTypes[stem]; ok {
		return t
	}
	return stem
}

// IsSkipped reports whether a file never contributes to counts.
func IsSkipped(name string) bool {
	return skippedFiles[name]
}

// resolve returns the key a file is counted under and the resource type its
// entries must carry. want is empty when no manifest mapping is known, in
// which case every entry counts.
func (ft FileTypes) resolve(name string) (key, want string) {
	if t, ok := ft[name]; ok && t != "" {
		return t, t
	}
	return CanonicalType(name), ""
}
