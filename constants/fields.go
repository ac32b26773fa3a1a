package constants

// DDT field names as emitted by every structurer.
const (
	FieldMittente              = "mittente"
	FieldDestinatario          = "destinatario"
	FieldIndirizzoDestinazione = "indirizzo_destinazione_completo"
	FieldDataDocumento         = "data_documento"
	FieldDataTrasporto         = "data_trasporto"
	FieldDataConsegna          = "data_consegna_effettiva"
	FieldNumeroDocumento       = "numero_documento"
	FieldNumeroOrdine          = "numero_ordine"
	FieldCodiceCliente         = "codice_cliente"
	FieldTargaAutomezzo        = "targa_automezzo"
)

// ComparisonFields is the ordered set of fields cross-checked between
// the two extraction paths.
var ComparisonFields = []string{
	FieldMittente,
	FieldDestinatario,
	FieldIndirizzoDestinazione,
	FieldDataDocumento,
	FieldDataTrasporto,
	FieldNumeroDocumento,
	FieldNumeroOrdine,
	FieldCodiceCliente,
}

// IsComparisonField reports whether name belongs to ComparisonFields.
func IsComparisonField(name string) bool {
	for _, f := range ComparisonFields {
		if f == name {
			return true
		}
	}
	return false
}
