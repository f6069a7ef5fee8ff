package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Committed global snapshots; seq breaks ties between equal timestamps
			CREATE TABLE global_snapshots (
				seq BIGSERIAL UNIQUE,
				id VARCHAR(255) PRIMARY KEY,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				services JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX idx_global_snapshots_created_at ON global_snapshots(created_at DESC, seq DESC);
		`,
	}
}
