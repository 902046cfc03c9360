// ABOUTME: Protocol template generator selecting a template by value band
// ABOUTME: Rule-based section lists, no model calls

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/procure-gateway/internal/registry"
)

// ProtocolTemplateDescriptor declares the protocol template generator. No
// dependencies; template choice is pure rule evaluation.
func ProtocolTemplateDescriptor(logger *slog.Logger) registry.Descriptor {
	if logger == nil {
		logger = slog.Default()
	}
	return registry.Descriptor{
		Name:         "tool.generate_protocol_template",
		ServiceType:  "automated_tool",
		Description:  "Genererer mal for anskaffelsesprotokoll basert på type og verdi",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"value":{"type":"integer"},"procurement_type":{"type":"string"}},"required":["value"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"template":{"type":"string"},"required_sections":{"type":"array","items":{"type":"string"}},"optional_sections":{"type":"array","items":{"type":"string"}}},"required":["template","required_sections"]}`),
		Build: func(deps map[string]any) (registry.Tool, error) {
			return &protocolTool{
				logger: logger.With("tool", "tool.generate_protocol_template"),
				now:    time.Now,
			}, nil
		},
	}
}

type protocolTool struct {
	logger *slog.Logger
	now    func() time.Time
}

type protocolInput struct {
	Value           int64  `json:"value"`
	ProcurementType string `json:"procurement_type"`
}

type protocolTemplate struct {
	Template         string   `json:"template"`
	RequiredSections []string `json:"required_sections"`
	OptionalSections []string `json:"optional_sections"`
}

func (t *protocolTool) Run(ctx context.Context, caller string, input json.RawMessage) (json.RawMessage, error) {
	var in protocolInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, errors.New("invalid input for protocol template generation")
	}
	if in.Value < 0 {
		return nil, errors.New("negative value not allowed")
	}

	var template string
	switch {
	case in.Value < 100_000:
		template = t.simpleTemplate()
	case in.Value < 1_300_000:
		template = t.nationalTemplate()
	default:
		template = t.euTemplate()
	}

	result := protocolTemplate{
		Template:         template,
		RequiredSections: requiredSections(in.Value),
		OptionalSections: []string{"Miljøkrav", "Sosiale krav", "Innovasjon"},
	}

	t.logger.Info("protocol template generated",
		"caller", caller,
		"value", in.Value,
		"sections", len(result.RequiredSections),
	)
	return json.Marshal(result)
}

func requiredSections(value int64) []string {
	switch {
	case value < 100_000:
		return []string{"Generell info", "Leverandør"}
	case value < 1_300_000:
		return []string{"Generell info", "Konkurranse", "Evaluering", "Leverandør"}
	default:
		return []string{
			"Generell info", "Kunngjøring", "Kvalifikasjon",
			"Evaluering", "Leverandør", "Klagebehandling",
		}
	}
}

func (t *protocolTool) simpleTemplate() string {
	return fmt.Sprintf(`# Anskaffelsesprotokoll - Forenklet

## 1. Generell informasjon
- Anskaffelsens navn: [FYLL INN]
- Estimert verdi: [FYLL INN]
- Dato: %s

## 2. Begrunnelse for valg av prosedyre
Direkte anskaffelse under terskelverdi (100.000 NOK)

## 3. Leverandør
- Valgt leverandør: [FYLL INN]
- Organisasjonsnummer: [FYLL INN]
`, t.now().Format("2006-01-02"))
}

func (t *protocolTool) nationalTemplate() string {
	return fmt.Sprintf(`# Anskaffelsesprotokoll - Nasjonal

## 1. Generell informasjon
- Anskaffelsens navn: [FYLL INN]
- Estimert verdi: [FYLL INN]
- Dato: %s
- Ansvarlig enhet: [FYLL INN]

## 2. Konkurransegjennomføring
- Forespurte leverandører (minimum 3): [FYLL INN]
- Tilbudsfrist: [FYLL INN]

## 3. Evaluering
- Tildelingskriterier: [FYLL INN]
- Begrunnelse for valg: [FYLL INN]

## 4. Leverandør
- Valgt leverandør: [FYLL INN]
- Organisasjonsnummer: [FYLL INN]
`, t.now().Format("2006-01-02"))
}

func (t *protocolTool) euTemplate() string {
	return fmt.Sprintf(`# Anskaffelsesprotokoll - EØS

## 1. Generell informasjon
- Anskaffelsens navn: [FYLL INN]
- Estimert verdi: [FYLL INN]
- Dato: %s
- Ansvarlig enhet: [FYLL INN]

## 2. Kunngjøring
- Kunngjort på Doffin: [FYLL INN]
- Kunngjort på TED: [FYLL INN]

## 3. Kvalifikasjon
- Kvalifikasjonskrav: [FYLL INN]
- ESPD mottatt: [FYLL INN]

## 4. Evaluering
- Tildelingskriterier med vekting: [FYLL INN]
- Begrunnelse for valg: [FYLL INN]

## 5. Leverandør
- Valgt leverandør: [FYLL INN]
- Organisasjonsnummer: [FYLL INN]

## 6. Klagebehandling
- Karensperiode: [FYLL INN]
- Mottatte klager: [FYLL INN]
`, t.now().Format("2006-01-02"))
}
