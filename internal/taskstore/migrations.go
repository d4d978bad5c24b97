package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS batches (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    task_keys TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    completed_count INTEGER DEFAULT 0,
    failed_count INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
    key TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    requirement TEXT NOT NULL,
    batch_id TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    external_id TEXT,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_batch_id ON tasks(batch_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`
