package errorcoord

import "time"

// Category is the semantic error taxonomy shared across services.
type Category string

const (
	CategoryValidation     Category = "validation"
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategoryBusinessLogic  Category = "business_logic"
	CategoryIntegration    Category = "integration"
	CategoryNetwork        Category = "network"
	CategoryDatabase       Category = "database"
	CategoryExternalAPI    Category = "external_api"
	CategorySystem         Category = "system"
	CategoryConfiguration  Category = "configuration"
	CategoryTimeout        Category = "timeout"
	CategoryResource       Category = "resource"
	CategoryConcurrency    Category = "concurrency"
)

// Severity ranks the operational impact of an error.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Report is the raw error occurrence as services report it. Reports
// arrive either through ReportError or as error.reported bus events and
// are decoded from the event payload.
type Report struct {
	ErrorType   string                 `mapstructure:"error_type" json:"error_type"`
	Category    Category               `mapstructure:"category" json:"category"`
	Message     string                 `mapstructure:"message" json:"message"`
	ServiceName string                 `mapstructure:"service_name" json:"service_name"`
	Operation   string                 `mapstructure:"operation" json:"operation"`
	Severity    Severity               `mapstructure:"severity" json:"severity"`
	TenantID    string                 `mapstructure:"tenant_id" json:"tenant_id,omitempty"`
	Metadata    map[string]interface{} `mapstructure:"metadata" json:"metadata,omitempty"`
}

// Record is one fingerprinted occurrence.
type Record struct {
	ID          string                 `json:"id"`
	Fingerprint string                 `json:"fingerprint"`
	Report      Report                 `json:"report"`
	Template    string                 `json:"template"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Hints       map[string]interface{} `json:"hints,omitempty"`
}

// Pattern aggregates the records that share a fingerprint.
type Pattern struct {
	Fingerprint        string    `json:"fingerprint"`
	ErrorType          string    `json:"error_type"`
	Category           Category  `json:"category"`
	ServiceName        string    `json:"service_name"`
	Template           string    `json:"template"`
	Frequency          int       `json:"frequency"`
	FirstSeen          time.Time `json:"first_seen"`
	LastSeen           time.Time `json:"last_seen"`
	AffectedOperations []string  `json:"affected_operations"`
	SuggestedActions   []string  `json:"suggested_actions"`
}

// Stats summarises the coordinator's registries.
type Stats struct {
	TotalReports    int              `json:"total_reports"`
	PatternCount    int              `json:"pattern_count"`
	ByCategory      map[Category]int `json:"by_category"`
	ByService       map[string]int   `json:"by_service"`
	Escalations     int              `json:"escalations"`
	BreakerRequests int              `json:"breaker_requests"`
}
