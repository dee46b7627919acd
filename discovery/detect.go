package discovery

import (
	"strings"

	"github.com/c360studio/issueflow/queue"
)

// Platform versions assigned when an issue mentions a stack. The
// default applies when nothing matches.
var platformKeywords = []struct {
	platform string
	version  string
	keywords []string
}{
	{"nodejs", "18.16.0", []string{"node", "npm", "javascript", "typescript", "react", "vue", "angular"}},
	{"dotnet", "8.0", []string{".net", "dotnet", "csharp", "c#", "asp.net"}},
	{"python", "3.11", []string{"python", "django", "flask", "fastapi", "pip"}},
	{"java", "17", []string{"java", "maven", "gradle", "spring"}},
}

// DetectPlatforms infers required platforms from an issue's title,
// body and labels by keyword. Unrecognizable issues default to nodejs.
func DetectPlatforms(issue Issue) map[string]string {
	haystack := strings.ToLower(issue.Title + " " + issue.Body + " " + strings.Join(issue.Labels, " "))

	detected := make(map[string]string)
	for _, entry := range platformKeywords {
		for _, keyword := range entry.keywords {
			if strings.Contains(haystack, keyword) {
				detected[entry.platform] = entry.version
				break
			}
		}
	}
	if len(detected) == 0 {
		detected["nodejs"] = "18.16.0"
	}
	return detected
}

// DeterminePriority maps issue labels to a queue priority. Unlabeled
// issues are medium.
func DeterminePriority(issue Issue) queue.Priority {
	for _, label := range issue.Labels {
		switch strings.ToLower(label) {
		case "urgent", "critical", "p0":
			return queue.PriorityUrgent
		case "high", "important", "p1":
			return queue.PriorityHigh
		case "low", "minor", "p3":
			return queue.PriorityLow
		}
	}
	return queue.PriorityMedium
}
