package notify

import "fmt"

// Message templates per project language code. English is the fallback.
var (
	triggeredSMSTemplates = map[string]string{
		"en": "An alert for %s has been triggered in %s. Please cross-check the reports: %s",
		"fr": "Une alerte pour %s a ete declenchee a %s. Veuillez verifier les rapports: %s",
	}
	escalatedSubjectTemplates = map[string]string{
		"en": "Alert escalated: %s in %s",
		"fr": "Alerte transmise: %s a %s",
	}
	escalatedBodyTemplates = map[string]string{
		"en": "The alert for %s in %s has been verified and escalated. Review it here: %s",
		"fr": "L'alerte pour %s a %s a ete verifiee et transmise. Consultez-la ici: %s",
	}
)

func render(templates map[string]string, lang string, args ...any) string {
	tmpl, ok := templates[lang]
	if !ok {
		tmpl = templates["en"]
	}
	return fmt.Sprintf(tmpl, args...)
}
