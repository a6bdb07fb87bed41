package types

import "regexp"

// Identifier format shared by component, student, class, and teacher ids.
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidID checks the 1-64 character alphanumeric/underscore/hyphen format
// used for every externally supplied identifier.
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > 64 {
		return false
	}
	return idRegex.MatchString(id)
}

// IsValidComponentType reports whether a descriptor names a known
// collaborator type.
func IsValidComponentType(componentType string) bool {
	switch componentType {
	case ComponentContentGeneration,
		ComponentEngagementTracking,
		ComponentDashboard,
		ComponentDemoHarness:
		return true
	default:
		return false
	}
}

// IsValidEndReason reports whether an end-session reason is one of the
// declared values.
func IsValidEndReason(reason string) bool {
	switch reason {
	case EndReasonCompleted,
		EndReasonTimeout,
		EndReasonStudentRequest,
		EndReasonTeacherRequest,
		EndReasonShutdown:
		return true
	default:
		return false
	}
}

// Validate checks a registration descriptor before it enters the registry.
func (d *ComponentDescriptor) Validate() error {
	if !IsValidID(d.ID) {
		return NewValidationError("id", "must be 1-64 characters, alphanumeric plus underscore/hyphen")
	}
	if !IsValidComponentType(d.Type) {
		return NewValidationError("type", "unknown component type "+d.Type)
	}
	for _, classID := range d.Classrooms {
		if !IsValidID(classID) {
			return NewValidationError("classrooms", "invalid classroom id "+classID)
		}
	}
	return nil
}

// Validate checks a session creation request. Student and objective are the
// two mandatory fields; everything else has defaults.
func (r *CreateSessionRequest) Validate() error {
	if !IsValidID(r.StudentID) {
		return NewValidationError("student_id", "required, 1-64 characters, alphanumeric plus underscore/hyphen")
	}
	if r.LearningObjective == "" || len(r.LearningObjective) > 500 {
		return NewValidationError("learning_objective", "required, at most 500 characters")
	}
	if r.ClassID != "" && !IsValidID(r.ClassID) {
		return NewValidationError("class_id", "invalid classroom id")
	}
	if r.TeacherID != "" && !IsValidID(r.TeacherID) {
		return NewValidationError("teacher_id", "invalid teacher id")
	}
	if r.TimeLimitSeconds < 0 {
		return NewValidationError("time_limit_seconds", "must be non-negative")
	}
	return nil
}

// Validate enforces the update allow-list ranges: status must be a
// non-terminal lifecycle state, joy level must be inside [0,1].
func (p *SessionPatch) Validate() error {
	if p.Status == nil && p.CurrentJoyLevel == nil {
		return NewValidationError("patch", "no mutable fields supplied")
	}
	if p.Status != nil {
		switch *p.Status {
		case SessionActive, SessionPaused:
		case SessionCompleted:
			return NewValidationError("status", "completed is set by ending the session, not by update")
		default:
			return NewValidationError("status", "unknown status "+*p.Status)
		}
	}
	if p.CurrentJoyLevel != nil {
		if *p.CurrentJoyLevel < 0 || *p.CurrentJoyLevel > 1 {
			return NewValidationError("current_joy_level", "must be within [0,1]")
		}
	}
	return nil
}
