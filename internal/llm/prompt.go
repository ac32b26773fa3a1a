package llm

import "strings"

// SystemPrompt is the fixed instruction for every text structurer.
const SystemPrompt = `Sei un assistente specializzato nell'estrazione dati da Documenti di Trasporto (DDT) italiani.

REGOLE:
1. Estrai SOLO i dati richiesti, non inventare informazioni mancanti
2. Se un campo non è presente nel documento, restituisci null
3. Per le date, converti sempre in formato YYYY-MM-DD
4. Per mittente e destinatario, estrai SOLO la ragione sociale (nome azienda), MAI l'indirizzo
5. Non confondere il Vettore/Trasportatore con il Mittente
6. Se ci sono più indirizzi, dai priorità a "Destinazione Merce" rispetto a "Sede Legale"

Rispondi ESCLUSIVAMENTE con JSON valido, senza markdown, senza spiegazioni.`

// SchemaDescription renders DDTFields as a human-readable list.
func SchemaDescription() string {
	lines := make([]string, 0, len(DDTFields))
	for _, f := range DDTFields {
		req := " (opzionale)"
		if f.Required {
			req = " (OBBLIGATORIO)"
		}
		lines = append(lines, "- "+f.Name+req+": "+f.Description)
	}
	return strings.Join(lines, "\n")
}

// BuildUserPrompt appends the schema description and the OCR text.
func BuildUserPrompt(ocrText string) string {
	var b strings.Builder
	b.WriteString("SCHEMA DEI CAMPI DA ESTRARRE:\n")
	b.WriteString(SchemaDescription())
	b.WriteString("\n\nTESTO OCR DEL DOCUMENTO:\n")
	b.WriteString(ocrText)
	b.WriteString("\n\nEstrai i dati e rispondi con JSON valido contenente i campi richiesti.")
	return b.String()
}
