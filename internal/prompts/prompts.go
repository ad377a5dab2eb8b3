package prompts

import (
	"fmt"
	"strings"
)

const (
	DefaultAssistantName = "Emily"
	DefaultPatientName   = "Patient"
	DefaultSummary       = "General follow-up."
)

// FollowUp holds what the system instruction is built from.
type FollowUp struct {
	AssistantName       string
	PatientName         string
	ConsultationSummary string
	RetrievedContext    string
}

func (f FollowUp) withDefaults() FollowUp {
	if f.AssistantName == "" {
		f.AssistantName = DefaultAssistantName
	}
	if f.PatientName == "" {
		f.PatientName = DefaultPatientName
	}
	if f.ConsultationSummary == "" {
		f.ConsultationSummary = DefaultSummary
	}
	return f
}

// System builds the follow-up call system instruction.
func System(f FollowUp) string {
	f = f.withDefaults()
	lines := []string{
		fmt.Sprintf("You are %s, a friendly and empathetic AI medical assistant calling on behalf of the clinic.", f.AssistantName),
		fmt.Sprintf("You are speaking to %s.", f.PatientName),
		"The primary reason for the recent consultation was: " + f.ConsultationSummary,
		"Your core task: check how the patient is feeling today and ask if they are experiencing any new symptoms or complications related to their recent visit.",
		"If the patient is doing well: thank them, ask whether the clinic can help with anything else, and if not, thank them for their time and say Goodbye.",
		"If the patient reports anything not fully positive: acknowledge each point briefly, ask how bad it is (for example on a scale of 1 to 10), and once they are finished thank them and say Goodbye.",
		"Do NOT give medical advice. For severe or emergency symptoms, advise them to seek emergency care or contact the clinic.",
		"Keep every response to 1 or 2 short sentences suitable for a phone call.",
		"Do not use markdown, emojis, asterisks, or bullet points.",
		"End the call with a clear Goodbye when done.",
	}
	if ctx := strings.TrimSpace(f.RetrievedContext); ctx != "" {
		lines = append(lines, RAGContext(ctx))
	}
	return strings.Join(lines, "\n")
}

// RAGContext wraps retrieved knowledge base context into a system message.
func RAGContext(context string) string {
	return "Relevant context from the patient's records:\n" + context
}

// Greeting is the first thing said on every call.
func Greeting(assistantName, patientName string) string {
	f := FollowUp{AssistantName: assistantName, PatientName: patientName}.withDefaults()
	return fmt.Sprintf("Hi %s, this is %s calling from the clinic to see how you're feeling since your last visit. Is now a good time to talk?", f.PatientName, f.AssistantName)
}

// Fixed spoken lines.
const (
	Reprompt         = "Sorry, I could not hear you. Could you please repeat that?"
	SilenceClosing   = "I'm having trouble hearing you, so someone from the clinic will reach out to you soon. Goodbye."
	PositiveGoodbye  = "That's great to hear. Thank you for your time, and take care. Goodbye."
	ProblemGoodbye   = "Thank you for letting me know. I'll make sure your doctor reviews this, and someone from the clinic will follow up with you soon. Goodbye."
	BackendApology   = "I'm sorry, I'm having trouble right now. I'll have someone from the clinic call you back shortly. Goodbye."
	TriageNoSpeech   = "no speech detected"
	TriageFailed     = "Triage analysis failed."
)

// Triage is the transcript classification prompt. The model must answer with JSON only.
func Triage(transcript string) string {
	return `You are a medical triage analyzer. Look at the provided transcript of a follow-up call between an AI assistant and a patient.
Your goal is to extract a summary of the patient's condition and determine if a doctor needs to intervene.

Return STRICTLY a JSON object with the following schema:
{
  "summary": "A 1-2 sentence clinical summary of the patient's current status and any reported symptoms.",
  "urgency": "low" | "medium" | "high",
  "requires_doctor": boolean
}

Rules for urgency:
- 'low': Patient is improving or stable, minor or no side effects.
- 'medium': Moderate side effects, slow progress, or mild new symptoms.
- 'high': Severe pain, worsening condition, critical non-adherence, or requests to speak to a doctor immediately.

Transcript:
` + transcript
}

// TriageSystem is the system instruction paired with Triage.
const TriageSystem = "You classify clinical follow-up call transcripts and reply with a single JSON object."
