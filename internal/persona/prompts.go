package persona

import "fmt"

func buildAnalysisPrompt() string {
	return `You are an expert in art history and facial analysis.

Step 1: Carefully analyze the person's face in the attached selfie.
Step 2: Extract their distinct features (eye color and shape, nose, lips, chin and jawline, hairstyle, expression).
Step 3: Choose the single most fitting historical era (Renaissance, Baroque, Victorian, Roaring Twenties, etc.).

OUTPUT FORMAT:
Respond with ONLY a JSON object:

{
  "historicalEra": "The single best era",
  "facialDescription": "A precise description of their facial traits"
}`
}

func buildPersonaPrompt(era, portraitDescription string) string {
	return fmt.Sprintf(`You are a creative name and backstory generator for historical personas.

Generate a fitting name and a one-sentence backstory based on the historical era and the portrait description.

Historical Era: %s
Portrait Description: %s

OUTPUT FORMAT:
Respond with ONLY a JSON object:

{
  "name": "...",
  "backstory": "..."
}`, era, portraitDescription)
}
