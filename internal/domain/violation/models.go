package violation

import (
	"strings"
	"time"
)

// Vehicle type codes used by the csgt.vn lookup form.
const (
	VehicleTypeCar             = "1"
	VehicleTypeMotorcycle      = "2"
	VehicleTypeElectricBicycle = "3"
)

// ValidVehicleType reports whether code is one of the form's accepted values.
func ValidVehicleType(code string) bool {
	switch code {
	case VehicleTypeCar, VehicleTypeMotorcycle, VehicleTypeElectricBicycle:
		return true
	}
	return false
}

// Violation is one traffic-violation record scraped from the result page.
// Records are immutable snapshots; every lookup yields a fresh set.
type Violation struct {
	Plate             string `json:"plate"`
	PlateColor        string `json:"plate_color,omitempty"`
	VehicleType       string `json:"vehicle_type,omitempty"`
	Time              string `json:"violation_time"`
	Location          string `json:"location"`
	Behavior          string `json:"behavior"`
	Status            string `json:"status"`
	FineAmount        string `json:"fine_amount,omitempty"`
	DetectingUnit     string `json:"detecting_unit,omitempty"`
	ResolutionOffice  string `json:"resolution_office,omitempty"`
	ResolutionAddress string `json:"resolution_address,omitempty"`
	ResolutionPhone   string `json:"resolution_phone,omitempty"`

	// Number is the per-lookup display ordinal. It is NOT part of the
	// record's identity and must never be used for diffing.
	Number int `json:"violation_number"`
}

// Key derives the identity used to match the same real-world violation
// across two snapshots. Number is deliberately excluded: ordinals shift
// whenever the site reorders records. Known limitation: cosmetic
// reformatting of time/location text on the site breaks matching.
func (v Violation) Key() string {
	return strings.Join([]string{
		strings.TrimSpace(v.Time),
		strings.TrimSpace(v.Location),
		strings.TrimSpace(v.Behavior),
	}, "|")
}

// LookupData is the success payload of one pipeline run.
type LookupData struct {
	Plate                 string      `json:"plate"`
	VehicleType           string      `json:"vehicle_type"`
	Violations            []Violation `json:"violations"`
	TotalViolations       int         `json:"total_violations"`
	TotalPaidViolations   int         `json:"total_paid_violations"`
	TotalUnpaidViolations int         `json:"total_unpaid_violations"`

	// TotalRetryCaptcha counts how many times the captcha was
	// regenerated during the attempt sequence, including on success,
	// so callers can detect "succeeded but was flaky".
	TotalRetryCaptcha int `json:"total_retry_captcha"`
}

// LookupResult is the outcome of one pipeline call. It is created fresh
// per call and never persisted directly.
type LookupResult struct {
	Status  string      `json:"status"` // "ok" | "error"
	Message string      `json:"message,omitempty"`
	Data    *LookupData `json:"data,omitempty"`
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// CronJob is a registered plate re-checked on a schedule. The lookup
// core treats it as immutable input per execution; run-time fields are
// returned for the repository to persist.
type CronJob struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	Plate       string     `json:"plate"`
	VehicleType string     `json:"vehicle_type"`
	Active      bool       `json:"active"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// LookupHistory is one stored execution snapshot for a job.
type LookupHistory struct {
	ID                int64       `json:"id"`
	CronJobID         int64       `json:"cron_job_id"`
	Violations        []Violation `json:"violations"`
	TotalViolations   int         `json:"total_violations"`
	TotalPaid         int         `json:"total_paid"`
	TotalUnpaid       int         `json:"total_unpaid"`
	HasNewViolations  bool        `json:"has_new_violations"`
	CreatedAt         time.Time   `json:"created_at"`
}

// Diff is the comparison of two snapshots keyed by Violation.Key.
type Diff struct {
	Added   []Violation `json:"added"`
	Removed []Violation `json:"removed"`
}

// HasChanges reports whether the two snapshots differ.
func (d Diff) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}

// Compare diffs current against previous by identity key. A nil previous
// means first run: every current violation is added, nothing removed.
func Compare(previous, current []Violation) Diff {
	prevByKey := make(map[string]Violation, len(previous))
	for _, v := range previous {
		prevByKey[v.Key()] = v
	}
	currByKey := make(map[string]Violation, len(current))
	for _, v := range current {
		currByKey[v.Key()] = v
	}

	var d Diff
	for _, v := range current {
		if _, ok := prevByKey[v.Key()]; !ok {
			d.Added = append(d.Added, v)
		}
	}
	for _, v := range previous {
		if _, ok := currByKey[v.Key()]; !ok {
			d.Removed = append(d.Removed, v)
		}
	}
	return d
}
