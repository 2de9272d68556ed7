package extract

import (
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/schematism/internal/models"
)

var fieldDescriptions = map[string]string{
	models.FieldPageNumber:       "Page number printed on the page",
	models.FieldDiocese:          "Diocese named in the heading",
	models.FieldDeanery:          "Deanery (decanatus, dekanat) heading",
	models.FieldParish:           "Name of the parish or its locality",
	models.FieldDedication:       "Church dedication or patron saint (titulus ecclesiae)",
	models.FieldObjectType:       "Kind of church building, e.g. parish church, filial church, chapel",
	models.FieldBuildingMaterial: "Building material, e.g. 'lig.' for wood, 'mur.' for brick or stone",
}

// BuildPrompt asks for a single JSON object with one key per field
func BuildPrompt(text string, fields []string) string {
	var b strings.Builder

	b.WriteString(`You are an expert in 19th and 20th century Catholic diocesan schematisms. Extract structured data about the parish entry from the OCR text of one schematism page.

INSTRUCTIONS:
1. The text is Latin or Polish and may contain OCR errors and abbreviations
2. Extract the following fields exactly as they appear in the text:
`)
	for _, f := range fields {
		desc, ok := fieldDescriptions[f]
		if !ok {
			desc = strings.ReplaceAll(f, "_", " ")
		}
		fmt.Fprintf(&b, "   - %s: %s\n", f, desc)
	}
	b.WriteString(`3. Use null for any field that is not present on the page
4. Do not translate, expand abbreviations or invent values

OUTPUT FORMAT:
Respond with ONLY a JSON object:

{
`)
	for i, f := range fields {
		sep := ","
		if i == len(fields)-1 {
			sep = ""
		}
		fmt.Fprintf(&b, "  %q: \"...\"%s\n", f, sep)
	}
	b.WriteString("}\n\nOCR TEXT:\n")
	b.WriteString(text)
	b.WriteString("\n")

	return b.String()
}
