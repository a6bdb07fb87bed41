package database

// Archive schema. Only terminal records land here: completed sessions with
// their joy moments, and resolved adaptation events.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	student_id TEXT NOT NULL,
	class_id TEXT,
	teacher_id TEXT,
	subject TEXT,
	learning_objective TEXT NOT NULL,
	status TEXT NOT NULL,
	start_time TIMESTAMP NOT NULL,
	end_time TIMESTAMP,
	end_reason TEXT,
	final_joy_level REAL NOT NULL DEFAULT 0,
	celebration_count INTEGER NOT NULL DEFAULT 0,
	adaptations_applied INTEGER NOT NULL DEFAULT 0,
	interaction_count INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	recommendations TEXT
);

CREATE TABLE IF NOT EXISTS joy_moments (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	moment_type TEXT NOT NULL,
	joy_impact REAL NOT NULL,
	triggered_by TEXT,
	recorded_at TIMESTAMP NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);

CREATE TABLE IF NOT EXISTS adaptation_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	requested_action TEXT,
	status TEXT NOT NULL,
	detail TEXT,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_joy_moments_session ON joy_moments(session_id);
CREATE INDEX IF NOT EXISTS idx_adaptation_events_session ON adaptation_events(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions(student_id);
`
