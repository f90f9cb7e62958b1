package models

import "sort"

// FieldType drives how a field is compared
type FieldType string

const (
	// FieldTypeName compares with token set similarity
	FieldTypeName FieldType = "name"
	// FieldTypeText compares with a character similarity ratio
	FieldTypeText FieldType = "text"
	// FieldTypeDate is binary equality on the normalised date
	FieldTypeDate FieldType = "date"
	// FieldTypeReference is binary equality on the referenced id
	FieldTypeReference FieldType = "reference"
	// FieldTypeEnum is binary equality on the normalised value
	FieldTypeEnum FieldType = "enum"
)

const (
	FieldFullName             = "full_name"
	FieldDateOfBirth          = "date_of_birth"
	FieldSex                  = "sex"
	FieldRoleInHousehold      = "role_in_household"
	FieldEducationLevelID     = "education_level_id"
	FieldContactPhone         = "contact_phone"
	FieldContactEmail         = "contact_email"
	FieldNationalIDTypeID     = "national_id_type_id"
	FieldNationalIDNumber     = "national_id_number"
	FieldKYCStatus            = "kyc_status"
	FieldAdministrativeAreaID = "administrative_area_id"
	FieldGPSLatitude          = "gps_latitude"
	FieldGPSLongitude         = "gps_longitude"
	FieldConsentStatus        = "consent_status"
	FieldConsentDate          = "consent_date"
)

// FieldDefinition describes one matchable and resolvable subject attribute
type FieldDefinition struct {
	Name string
	Type FieldType
	// Resolvable fields take part in merge conflict resolution
	Resolvable bool
}

// FieldRegistry is the set of attribute fields the engine knows about
type FieldRegistry struct {
	fields map[string]FieldDefinition
	order  []string
}

func NewFieldRegistry(defs ...FieldDefinition) *FieldRegistry {
	r := &FieldRegistry{fields: make(map[string]FieldDefinition, len(defs))}
	for _, def := range defs {
		if _, exists := r.fields[def.Name]; !exists {
			r.order = append(r.order, def.Name)
		}
		r.fields[def.Name] = def
	}
	return r
}

// DefaultFieldRegistry returns the farmer registry field set
func DefaultFieldRegistry() *FieldRegistry {
	return NewFieldRegistry(
		FieldDefinition{Name: FieldFullName, Type: FieldTypeName, Resolvable: true},
		FieldDefinition{Name: FieldDateOfBirth, Type: FieldTypeDate, Resolvable: true},
		FieldDefinition{Name: FieldSex, Type: FieldTypeEnum, Resolvable: true},
		FieldDefinition{Name: FieldRoleInHousehold, Type: FieldTypeEnum, Resolvable: true},
		FieldDefinition{Name: FieldEducationLevelID, Type: FieldTypeReference, Resolvable: true},
		FieldDefinition{Name: FieldContactPhone, Type: FieldTypeText, Resolvable: true},
		FieldDefinition{Name: FieldContactEmail, Type: FieldTypeText, Resolvable: true},
		FieldDefinition{Name: FieldNationalIDTypeID, Type: FieldTypeReference, Resolvable: true},
		FieldDefinition{Name: FieldNationalIDNumber, Type: FieldTypeText, Resolvable: true},
		FieldDefinition{Name: FieldKYCStatus, Type: FieldTypeEnum, Resolvable: true},
		FieldDefinition{Name: FieldAdministrativeAreaID, Type: FieldTypeReference, Resolvable: true},
		FieldDefinition{Name: FieldGPSLatitude, Type: FieldTypeText, Resolvable: true},
		FieldDefinition{Name: FieldGPSLongitude, Type: FieldTypeText, Resolvable: true},
		FieldDefinition{Name: FieldConsentStatus, Type: FieldTypeEnum, Resolvable: true},
		FieldDefinition{Name: FieldConsentDate, Type: FieldTypeDate, Resolvable: true},
	)
}

// Lookup returns the definition for name
func (r *FieldRegistry) Lookup(name string) (FieldDefinition, bool) {
	def, ok := r.fields[name]
	return def, ok
}

// Has reports whether name is a registered field
func (r *FieldRegistry) Has(name string) bool {
	_, ok := r.fields[name]
	return ok
}

// TypeOf returns the field type, defaulting to text for unknown fields
func (r *FieldRegistry) TypeOf(name string) FieldType {
	if def, ok := r.fields[name]; ok {
		return def.Type
	}
	return FieldTypeText
}

// Names returns field names in registration order
func (r *FieldRegistry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ResolvableNames returns the fields that take part in merge resolution, in registration order
func (r *FieldRegistry) ResolvableNames() []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.fields[name].Resolvable {
			out = append(out, name)
		}
	}
	return out
}

// MergeFields returns the fields a merge resolves across attrs: the resolvable registry
// fields in registration order, then every unregistered key present in attrs, sorted.
// Registered fields that are not resolvable are left out.
func (r *FieldRegistry) MergeFields(attrs ...Attributes) []string {
	out := r.ResolvableNames()

	var extra []string
	seen := make(map[string]struct{})
	for _, a := range attrs {
		for key := range a {
			if r.Has(key) {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			extra = append(extra, key)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
