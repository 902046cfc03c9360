// ABOUTME: Deterministic threshold calculator for Norwegian procurement rules
// ABOUTME: Pure business rules, no model calls

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/2389/procure-gateway/internal/registry"
)

// 2025 national threshold values in NOK, by category.
var nationalThresholds = map[string]int64{
	"varer":              1_300_000,
	"tjenester":          1_300_000,
	"bygg":               13_000_000,
	"særlige_tjenester":  7_500_000,
	"plan_prosjektering": 1_300_000,
}

// 2025 EØS threshold values in NOK, by category.
var euThresholds = map[string]int64{
	"varer":               1_775_000,
	"tjenester":           1_775_000,
	"bygg":                68_900_000,
	"særlige_tjenester":   7_500_000,
	"forsyning_varer":     5_325_000,
	"forsyning_tjenester": 5_325_000,
}

// ThresholdsDescriptor declares the threshold calculator. It has no
// dependencies; everything is hardcoded regulation.
func ThresholdsDescriptor(logger *slog.Logger) registry.Descriptor {
	if logger == nil {
		logger = slog.Default()
	}
	return registry.Descriptor{
		Name:         "tool.calculate_thresholds",
		ServiceType:  "automated_tool",
		Description:  "Beregner terskelverdier og identifiserer gjeldende regelverk",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"value":{"type":"integer"},"category":{"type":"string"}},"required":["value"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"value":{"type":"integer"},"national_threshold_exceeded":{"type":"boolean"},"eu_threshold_exceeded":{"type":"boolean"},"procurement_type":{"type":"string"},"applicable_regulations":{"type":"array","items":{"type":"string"}},"deadlines":{"type":"object"}},"required":["value","procurement_type"]}`),
		Build: func(deps map[string]any) (registry.Tool, error) {
			return &thresholdsTool{logger: logger.With("tool", "tool.calculate_thresholds")}, nil
		},
	}
}

type thresholdsTool struct {
	logger *slog.Logger
}

type thresholdsInput struct {
	Value    int64  `json:"value"`
	Category string `json:"category"`
}

type thresholdAssessment struct {
	Value                     int64          `json:"value"`
	NationalThresholdExceeded bool           `json:"national_threshold_exceeded"`
	EUThresholdExceeded       bool           `json:"eu_threshold_exceeded"`
	ProcurementType           string         `json:"procurement_type"`
	ApplicableRegulations     []string       `json:"applicable_regulations"`
	Deadlines                 map[string]int `json:"deadlines"`
}

func (t *thresholdsTool) Run(ctx context.Context, caller string, input json.RawMessage) (json.RawMessage, error) {
	var in thresholdsInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.New("invalid input for threshold calculation")
	}
	if in.Value < 0 {
		return nil, errors.New("negative value not allowed")
	}

	category := strings.ToLower(in.Category)
	if category == "" {
		category = "tjenester"
	}

	nationalLimit, ok := nationalThresholds[category]
	if !ok {
		nationalLimit = 1_300_000
	}
	euLimit, ok := euThresholds[category]
	if !ok {
		euLimit = 1_775_000
	}

	var (
		procurementType string
		regulations     []string
		deadlines       map[string]int
	)
	switch {
	case in.Value < 100_000:
		procurementType = "Direkte anskaffelse"
		deadlines = map[string]int{"minimum_frist": 0}
		regulations = []string{"Ingen formkrav under 100.000 NOK"}

	case in.Value < nationalLimit:
		procurementType = "Begrenset anbudskonkurranse"
		deadlines = map[string]int{"tilbudsfrist": 10, "vedståelsesfrist": 30}
		regulations = []string{
			"Anskaffelsesforskriften del I",
			"Krav om protokoll",
			"Minimum 3 leverandører skal forespørres",
		}

	case in.Value < euLimit:
		procurementType = "Åpen anbudskonkurranse (nasjonal)"
		deadlines = map[string]int{"tilbudsfrist": 20, "vedståelsesfrist": 60, "klagefrist": 10}
		regulations = []string{
			"Anskaffelsesforskriften del II",
			"Kunngjøring på Doffin",
			"Kvalifikasjonskrav tillatt",
			"Tildelingskriterier må oppgis",
		}

	default:
		procurementType = "Åpen anbudskonkurranse (EØS)"
		deadlines = map[string]int{
			"tilbudsfrist":             35,
			"tilbudsfrist_elektronisk": 30,
			"vedståelsesfrist":         90,
			"karensperiode":            10,
			"klagefrist":               15,
		}
		regulations = []string{
			"Anskaffelsesforskriften del III",
			"Kunngjøring på Doffin og TED",
			"ESPD-skjema påkrevd",
			"Strenge dokumentasjonskrav",
			"Karensperiode før kontraktsinngåelse",
		}
	}

	// Oslo-specific additions on top of the national bands
	if in.Value >= 500_000 {
		regulations = append(regulations, "Oslomodellen: Seriøsitetskrav")
	}
	if in.Value >= 1_750_000 {
		regulations = append(regulations, "Oslomodellen: Krav om lærlinger")
	}

	result := thresholdAssessment{
		Value:                     in.Value,
		NationalThresholdExceeded: in.Value >= nationalLimit,
		EUThresholdExceeded:       in.Value >= euLimit,
		ProcurementType:           procurementType,
		ApplicableRegulations:     regulations,
		Deadlines:                 deadlines,
	}

	t.logger.Info("threshold calculation completed",
		"caller", caller,
		"value", in.Value,
		"procurement_type", procurementType,
		"regulation_count", len(regulations),
	)
	return json.Marshal(result)
}
