package database

// schema is applied statement by statement; the driver does not allow
// multi-statement Exec without multiStatements=true.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credit_balances (
    account_id VARCHAR(64) NOT NULL PRIMARY KEY,
    daily INT NOT NULL DEFAULT 0,
    daily_date DATE NULL,
    subscription INT NOT NULL DEFAULT 0,
    signup INT NOT NULL DEFAULT 0,
    admin_grant INT NOT NULL DEFAULT 0,
    purchased INT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    CONSTRAINT chk_credit_pools_non_negative CHECK (
        daily >= 0 AND subscription >= 0 AND signup >= 0 AND admin_grant >= 0 AND purchased >= 0
    )
)`,
	`CREATE TABLE IF NOT EXISTS generation_records (
    request_id CHAR(36) NOT NULL PRIMARY KEY,
    account_id VARCHAR(64) NOT NULL,
    status VARCHAR(16) NOT NULL,
    requested_count INT NOT NULL,
    succeeded_image_urls JSON NOT NULL,
    failed_slot_count INT NOT NULL DEFAULT 0,
    persist_failed_slots INT NOT NULL DEFAULT 0,
    total_duration_ms BIGINT NOT NULL DEFAULT 0,
    credits_charged INT NOT NULL DEFAULT 0,
    credits_refunded INT NOT NULL DEFAULT 0,
    needs_reconciliation TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    KEY idx_generation_records_account (account_id, created_at),
    KEY idx_generation_records_reconcile (needs_reconciliation, created_at)
)`,
	`CREATE TABLE IF NOT EXISTS synthesis_attempts (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    request_id CHAR(36) NOT NULL,
    image_slot INT NOT NULL,
    model VARCHAR(16) NOT NULL,
    attempt_number INT NOT NULL,
    outcome VARCHAR(32) NOT NULL,
    latency_ms BIGINT NOT NULL,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_attempt (request_id, image_slot, attempt_number)
)`,
	`CREATE TABLE IF NOT EXISTS billing_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    provider VARCHAR(64) NOT NULL,
    provider_event_id VARCHAR(128) NOT NULL,
    account_id VARCHAR(64) NOT NULL,
    pool VARCHAR(32) NOT NULL,
    credits INT NOT NULL,
    raw_payload TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_provider_event (provider, provider_event_id),
    KEY idx_billing_events_account (account_id, created_at)
)`,
}
