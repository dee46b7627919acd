package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/c360studio/issueflow/queue"
)

func TestDetectPlatforms(t *testing.T) {
	tests := []struct {
		name  string
		issue Issue
		want  map[string]string
	}{
		{
			name:  "node keywords in title",
			issue: Issue{Title: "npm install fails on CI"},
			want:  map[string]string{"nodejs": "18.16.0"},
		},
		{
			name:  "dotnet keywords in body",
			issue: Issue{Title: "Build broken", Body: "The ASP.NET project no longer compiles"},
			want:  map[string]string{"dotnet": "8.0"},
		},
		{
			name:  "python from label",
			issue: Issue{Title: "Fix tests", Labels: []string{"python"}},
			want:  map[string]string{"python": "3.11"},
		},
		{
			name:  "java keyword",
			issue: Issue{Title: "Gradle build cache misses"},
			want:  map[string]string{"java": "17"},
		},
		{
			name:  "multiple stacks",
			issue: Issue{Title: "TypeScript client for the Spring API"},
			want:  map[string]string{"nodejs": "18.16.0", "java": "17"},
		},
		{
			name:  "no match defaults to node",
			issue: Issue{Title: "Update the README"},
			want:  map[string]string{"nodejs": "18.16.0"},
		},
		{
			name:  "case insensitive",
			issue: Issue{Title: "REACT component crashes"},
			want:  map[string]string{"nodejs": "18.16.0"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectPlatforms(tt.issue))
		})
	}
}

func TestDeterminePriority(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   queue.Priority
	}{
		{"urgent label", []string{"bug", "urgent"}, queue.PriorityUrgent},
		{"p0 label", []string{"p0"}, queue.PriorityUrgent},
		{"critical label", []string{"Critical"}, queue.PriorityUrgent},
		{"high label", []string{"high"}, queue.PriorityHigh},
		{"important label", []string{"important"}, queue.PriorityHigh},
		{"low label", []string{"minor"}, queue.PriorityLow},
		{"no priority label", []string{"bug", "frontend"}, queue.PriorityMedium},
		{"no labels", nil, queue.PriorityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeterminePriority(Issue{Labels: tt.labels}))
		})
	}
}

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("acme/app")
	assert.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "app", name)

	_, _, err = splitRepo("acme")
	assert.Error(t, err)
	_, _, err = splitRepo("/app")
	assert.Error(t, err)
}
