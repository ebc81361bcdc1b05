package pipeline

import "fmt"

const summaryPrompt = `You are an assistant that helps students. Read the lecture below and write a short summary keyed by timecodes, in the language of the lecture.
Format each line as '00:00 - 06:30: short summary of that part'. If the timings are missing, split the text into logical parts.

%s`

const notesPrompt = `Read the lecture below and write detailed text notes in the language of the lecture, keeping its structure: formulas, definitions, key examples and conclusions.

%s`

func buildSummaryPrompt(transcript string) string {
	return fmt.Sprintf(summaryPrompt, transcript)
}

func buildNotesPrompt(transcript string) string {
	return fmt.Sprintf(notesPrompt, transcript)
}
