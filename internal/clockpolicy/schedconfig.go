package clockpolicy

import (
	"redialcore/internal/store"
)

const configShardKey = "scheduler-config"

// ConfigDocument is the on-disk scheduler configuration
// (<data>/scheduler-config.json): the business-hours window, blackout
// dates, and SMS gating that govern every dispatch decision. The file
// is seeded from the service config on first start and is the
// authoritative copy thereafter, so an operator edit (directly or via
// the admin tool) survives restarts without a config-file deploy.
type ConfigDocument struct {
	Timezone             string   `json:"timezone"`
	BusinessStart        string   `json:"business_start"`
	BusinessEnd          string   `json:"business_end"`
	BlackoutDates        []string `json:"blackout_dates"`
	SMSBusinessHoursOnly bool     `json:"sms_business_hours_only"`
}

// LoadConfigDocument reads scheduler-config.json from backing.
// existed reports whether the file was present; a missing file returns
// the zero document so the caller can seed one.
func LoadConfigDocument(backing *store.Store) (doc ConfigDocument, existed bool, err error) {
	existed = backing.ShardExists(configShardKey)
	if !existed {
		return ConfigDocument{}, false, nil
	}
	if err := backing.ReadShard(configShardKey, &doc); err != nil {
		return ConfigDocument{}, true, err
	}
	return doc, true, nil
}

// SaveConfigDocument writes scheduler-config.json to backing.
func SaveConfigDocument(backing *store.Store, doc ConfigDocument) error {
	return backing.WriteShard(configShardKey, doc)
}

// FromDocument builds a Policy from a loaded scheduler-config
// document.
func FromDocument(doc ConfigDocument) (*Policy, error) {
	return New(doc.Timezone, doc.BusinessStart, doc.BusinessEnd, doc.BlackoutDates, doc.SMSBusinessHoursOnly)
}
