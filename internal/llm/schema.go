package llm

import (
	"encoding/json"

	"github.com/joseph-ayodele/ddt-extractor/constants"
)

// SchemaField describes one extractable DDT field.
type SchemaField struct {
	Name        string
	Description string
	Required    bool
}

// DDTFields lists the extraction schema in prompt order.
var DDTFields = []SchemaField{
	{
		Name:        constants.FieldMittente,
		Description: "Estrai SOLO la Ragione Sociale (Nome Azienda) che emette il documento. Solitamente è il logo principale in alto. Regola: Non includere l'indirizzo, solo il nome (es. 'Barilla S.p.A.'). Ignora il Vettore.",
		Required:    true,
	},
	{
		Name:        constants.FieldDestinatario,
		Description: "Estrai SOLO la Ragione Sociale (Nome Azienda) del cliente finale che riceve la merce. Regola: Non includere l'indirizzo, solo il nome (es. 'Mario Rossi SRL'). Se ci sono più nomi, dai priorità a quello nell'area 'Destinazione Merce'.",
		Required:    true,
	},
	{
		Name:        constants.FieldIndirizzoDestinazione,
		Description: "Estrai SOLO l'indirizzo fisico di consegna (Via, Civico, CAP, Città, Provincia). Logica: Se l'indirizzo di 'Destinazione Merce' è diverso dalla Sede Legale/Fatturazione, estrai tassativamente quello di Destinazione/Consegna. Non includere il nome dell'azienda qui.",
		Required:    true,
	},
	{
		Name:        constants.FieldDataDocumento,
		Description: "La data di emissione scritta sul documento (Data bolla/DDT). Cerca 'Data Documento', 'Data DDT'. Formato: Restituisci sempre in formato standard YYYY-MM-DD.",
		Required:    true,
	},
	{
		Name:        constants.FieldDataTrasporto,
		Description: "La data specifica di inizio trasporto o data ritiro merce. Cerca 'Data inizio trasporto', 'Data consegna', 'Data partenza'. Logica: Questa data è spesso diversa dalla data del documento. Se non è presente esplicitamente, restituisci null.",
	},
	{
		Name:        constants.FieldDataConsegna,
		Description: "La data di consegna effettiva scritta a mano o timbrata sul documento. Cerca 'Data consegna', 'Consegnato il', timbri con data. Spesso è diversa dalla data trasporto. Se non presente, restituisci null.",
	},
	{
		Name:        constants.FieldNumeroDocumento,
		Description: "Il numero identificativo univoco della Bolla o DDT (es. 'N. 1234/A'). Cerca 'Numero Bolla', 'Nr. DDT', 'Doc n.'.",
		Required:    true,
	},
	{
		Name:        constants.FieldNumeroOrdine,
		Description: "Estrai il codice indicato come 'Rif. Ordine', 'Vs. Ordine', 'Ordine Cliente'. Se non presente, restituisci null.",
	},
	{
		Name:        constants.FieldCodiceCliente,
		Description: "Estrai il codice indicato come 'Codice Cliente', 'Cod. Cli.' o simili. Se non presente, restituisci null.",
	},
	{
		Name:        constants.FieldTargaAutomezzo,
		Description: "La targa del veicolo di trasporto. Cerca 'Targa', 'Automezzo', 'Mezzo'. Formato tipico: AA123BB. Se non presente, restituisci null.",
	},
}

// BuildDDTJSONSchema returns the extraction schema sent to the combined
// service. Properties are plain strings; the service decides nullability.
func BuildDDTJSONSchema() map[string]any {
	props := make(map[string]any, len(DDTFields))
	required := make([]string, 0, len(DDTFields))
	for _, f := range DDTFields {
		props[f.Name] = map[string]any{"type": "string", "description": f.Description}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":        "object",
		"title":       "DDTExtractionSchema",
		"description": "Schema for DDT structured data extraction",
		"properties":  props,
		"required":    required,
	}
}

// DDTSchemaJSON is BuildDDTJSONSchema serialized for form submission.
func DDTSchemaJSON() string {
	b, _ := json.Marshal(BuildDDTJSONSchema())
	return string(b)
}

// buildValidationSchema mirrors the extraction schema but accepts nulls,
// which every structurer is told to emit for missing fields.
func buildValidationSchema() map[string]any {
	props := make(map[string]any, len(DDTFields))
	required := make([]string, 0, len(DDTFields))
	for _, f := range DDTFields {
		props[f.Name] = map[string]any{"type": []string{"string", "null"}}
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}
