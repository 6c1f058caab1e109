package types

import (
	"strings"
	"time"
)

// PublicJob is the outward form of a job. Empty properties are
// dropped from the JSON.
type PublicJob struct {
	JobID            string          `json:"jobID"`
	Username         string          `json:"username,omitempty"`
	Status           JobStatus       `json:"status"`
	Message          string          `json:"message,omitempty"`
	Progress         int             `json:"progress"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	DataExpiration   *time.Time      `json:"dataExpiration,omitempty"`
	Links            []PublicJobLink `json:"links,omitempty"`
	Labels           []string        `json:"labels,omitempty"`
	Request          string          `json:"request,omitempty"`
	NumInputGranules int             `json:"numInputGranules"`
}

type PublicJobLink struct {
	Href          string     `json:"href"`
	Title         string     `json:"title,omitempty"`
	Type          string     `json:"type,omitempty"`
	Rel           string     `json:"rel,omitempty"`
	Bbox          string     `json:"bbox,omitempty"`
	TemporalStart *time.Time `json:"temporalStart,omitempty"`
	TemporalEnd   *time.Time `json:"temporalEnd,omitempty"`
}

// ToPublic builds the display form. When urlRoot is set, staged
// outputs are rewritten to public permalinks, except direct bucket
// access links and jobs that delivered to a caller-owned destination.
func (j *Job) ToPublic(urlRoot string) PublicJob {
	out := PublicJob{
		JobID:            j.JobID.String(),
		Username:         j.Username,
		Status:           j.Status,
		Message:          j.CurrentMessage(),
		Progress:         j.Progress,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
		DataExpiration:   j.DataExpiration(),
		Labels:           j.Labels,
		Request:          j.Request,
		NumInputGranules: j.NumInputGranules,
	}
	for _, l := range j.Links {
		pl := PublicJobLink{
			Href:          l.Href,
			Title:         l.Title,
			Type:          l.Type,
			Rel:           l.Rel,
			Bbox:          string(l.Bbox),
			TemporalStart: l.TemporalStart,
			TemporalEnd:   l.TemporalEnd,
		}
		if urlRoot != "" && l.Rel != "s3-access" && j.DestinationURL == "" {
			pl.Href = PublicPermalink(l.Href, urlRoot)
		}
		out.Links = append(out.Links, pl)
	}
	return out
}

// PublicPermalink converts a staging bucket object reference into a
// permalink served by this API; anything else passes through.
func PublicPermalink(href, urlRoot string) string {
	const s3Prefix = "s3://"
	if !strings.HasPrefix(href, s3Prefix) {
		return href
	}
	path := strings.TrimPrefix(href, s3Prefix)
	return strings.TrimSuffix(urlRoot, "/") + "/service-results/" + path
}
