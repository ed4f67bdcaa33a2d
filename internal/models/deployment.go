package models

import "time"

// DeploymentStatus controls whether the reconciler acts on a deployment.
type DeploymentStatus string

const (
	DeploymentActive DeploymentStatus = "active"
	DeploymentPaused DeploymentStatus = "paused"
)

// Deployment is a desired-state object producing Pods.
type Deployment struct {
	DeploymentID        string                `json:"deploymentId"`
	Name                string                `json:"name"`
	Namespace           string                `json:"namespace"`
	PackID              string                `json:"packId"`
	PackVersion         string                `json:"packVersion"`
	Replicas            int                   `json:"replicas"`
	PodLabels           map[string]string     `json:"podLabels,omitempty"`
	PodAnnotations      map[string]string     `json:"podAnnotations,omitempty"`
	Tolerations         Tolerations           `json:"tolerations,omitempty"`
	ResourceRequests    ResourceVector        `json:"resourceRequests,omitempty"`
	ResourceLimits      ResourceVector        `json:"resourceLimits,omitempty"`
	Scheduling          SchedulingConstraints `json:"scheduling,omitempty"`
	FollowLatest        bool                  `json:"followLatest"`
	LastSuccessfulVersion string              `json:"lastSuccessfulVersion,omitempty"`
	ConsecutiveFailures int                   `json:"consecutiveFailures"`
	FailedVersion       string                `json:"failedVersion,omitempty"`
	FailureBackoffUntil *time.Time            `json:"failureBackoffUntil,omitempty"`
	Status              DeploymentStatus      `json:"status"`
	ReadyReplicas       int                   `json:"readyReplicas"`
	AvailableReplicas   int                   `json:"availableReplicas"`
	TotalReplicas       int                   `json:"totalReplicas"`
	CreatedAt           time.Time             `json:"createdAt"`
	UpdatedAt           time.Time             `json:"updatedAt"`
}

// Daemonset reports whether this deployment runs in daemonset mode
// (one pod per eligible node, rather than a fixed replica count).
func (d *Deployment) Daemonset() bool {
	return d.Replicas == 0
}

// InFailureBackoff reports whether this deployment is currently backing off
// from a failed version at instant now.
func (d *Deployment) InFailureBackoff(now time.Time, version string) bool {
	return d.FailedVersion == version && d.FailureBackoffUntil != nil && d.FailureBackoffUntil.After(now)
}
