package stream

// JobTopic is the topic carrying one job's events.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

// ProjectTopic is the topic carrying events for every job of a project.
func ProjectTopic(projectID string) string {
	return "project:" + projectID
}

// AllTopic carries every job event.
const AllTopic = "jobs"
