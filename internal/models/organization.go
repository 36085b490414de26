package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Organization groups profiles into a tenant.
type Organization struct {
	BaseModel

	Name     string         `gorm:"not null" json:"name"`
	PlanType string         `gorm:"default:starter" json:"plan_type"`
	Settings datatypes.JSON `json:"settings"`
}

// OrganizationSettings is the typed view of Organization.Settings.
type OrganizationSettings struct {
	Departments []string `json:"departments,omitempty"`
}

// DecodeSettings unmarshals the JSON settings column. Empty settings decode to the zero value.
func (o *Organization) DecodeSettings() (OrganizationSettings, error) {
	var settings OrganizationSettings
	if o == nil || len(o.Settings) == 0 {
		return settings, nil
	}
	err := json.Unmarshal(o.Settings, &settings)
	return settings, err
}

// EncodeSettings replaces the JSON settings column with settings.
func (o *Organization) EncodeSettings(settings OrganizationSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	o.Settings = datatypes.JSON(raw)
	return nil
}
