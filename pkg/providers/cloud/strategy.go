package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/perch-hq/perch-engine/pkg/apperrors"
	"github.com/perch-hq/perch-engine/pkg/models"
	"github.com/perch-hq/perch-engine/pkg/providers"
)

// resourcePayload is the provider's wire shape for one compute instance or
// storage bucket, decoded once at the boundary.
type resourcePayload struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"` // "instance" or "bucket"
	Name         string   `json:"name"`
	InstanceType string   `json:"instance_type"`
	State        string   `json:"state"`
	Region       string   `json:"region"`
	Tags         []string `json:"tags"`
	Public       bool     `json:"public"`
	ObjectCount  int64    `json:"object_count"`
}

type stateChangeDetail struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// strategy maps cloud wire shapes onto the inventory model.
type strategy struct{}

func (strategy) MapInventoryFields(res providers.RawResource) (models.ItemFields, error) {
	var p resourcePayload
	if err := json.Unmarshal(res.Payload, &p); err != nil {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderCloud, ExternalID: res.ExternalID, Err: err,
		}
	}
	if p.ID == "" || p.Name == "" {
		return models.ItemFields{}, &apperrors.MalformedPayloadError{
			Provider: models.ProviderCloud, ExternalID: res.ExternalID,
			Err: fmt.Errorf("missing id or name"),
		}
	}

	fields := models.ItemFields{
		Alias:      p.Name,
		Hashtags:   append([]string{p.Region}, p.Tags...),
		Visibility: models.VisibilityPrivate,
	}
	if p.Public {
		fields.Visibility = models.VisibilityShared
	}

	switch p.Kind {
	case "instance":
		fields.Type = models.ItemTypeComputeInstance
		fields.Description = fmt.Sprintf("%s (%s) in %s", p.InstanceType, p.State, p.Region)
	case "bucket":
		fields.Type = models.ItemTypeBucket
		fields.Description = fmt.Sprintf("%d objects in %s", p.ObjectCount, p.Region)
	default:
		fields.Type = models.ItemTypeCustom
		fields.Description = fmt.Sprintf("%s resource in %s", p.Kind, p.Region)
	}
	return fields, nil
}

func (strategy) MapActivity(act providers.RawActivity) (providers.ActivityContent, bool, error) {
	switch act.Kind {
	case "state-change":
		var d stateChangeDetail
		if err := json.Unmarshal(act.Payload, &d); err != nil {
			return providers.ActivityContent{}, false, &apperrors.MalformedPayloadError{
				Provider: models.ProviderCloud, ExternalID: act.ExternalID, Err: err,
			}
		}
		return providers.ActivityContent{
			Title:    fmt.Sprintf("Instance %s: %s to %s", act.ExternalID, d.From, d.To),
			Content:  fmt.Sprintf("State changed from %s to %s.", d.From, d.To),
			Hashtags: []string{"cloud", d.To},
		}, true, nil
	case "maintenance":
		// Routine maintenance windows are noise, not activity.
		return providers.ActivityContent{}, false, nil
	default:
		return providers.ActivityContent{}, false, fmt.Errorf("unhandled cloud event kind %q", act.Kind)
	}
}

func (strategy) ResolveTarget(act providers.RawActivity) (string, bool) {
	return act.ExternalID, false
}
