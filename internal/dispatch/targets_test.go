package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectTarget(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.linkedin.com/jobs/view/3895", TargetLinkedIn},
		{"https://boards.greenhouse.io/stripe/jobs/4018", TargetGreenhouse},
		{"https://jobs.lever.co/netflix/f8a2", TargetLever},
		{"https://acme.wd5.myworkdayjobs.com/en-US/careers/job/R-1234", TargetWorkday},
		{"https://careers.workday.com/role/99", TargetWorkday},
		{"https://jobs.example.com/apply/123", TargetGeneric},
		{"", TargetGeneric},
		{"HTTPS://BOARDS.GREENHOUSE.IO/ACME/JOBS/1", TargetGreenhouse},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectTarget(tt.url))
		})
	}
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported(TargetLinkedIn))
	assert.True(t, IsSupported(TargetGreenhouse))
	assert.False(t, IsSupported(TargetLever))
	assert.False(t, IsSupported(TargetWorkday))
	assert.False(t, IsSupported(TargetGeneric))
}

func TestSupportedTargets(t *testing.T) {
	assert.Equal(t, []string{TargetGreenhouse, TargetLinkedIn}, SupportedTargets())
}
