package database

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    telegram_id BIGINT NOT NULL UNIQUE,
    username VARCHAR(255),
    first_name VARCHAR(255),
    last_name VARCHAR(255),
    referral_code VARCHAR(36) NOT NULL UNIQUE,
    referred_by BIGINT NULL,
    trial_used INT NOT NULL DEFAULT 0,
    is_banned TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    FOREIGN KEY (referred_by) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    amount INT NOT NULL,
    entry_type VARCHAR(32) NOT NULL,
    reference_id VARCHAR(128),
    description VARCHAR(512),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_ledger_user (user_id),
    INDEX idx_ledger_reference (reference_id),
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS model_catalog (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    model_key VARCHAR(64) NOT NULL UNIQUE,
    display_name VARCHAR(255) NOT NULL,
    provider VARCHAR(64) NOT NULL,
    supports_reference TINYINT(1) NOT NULL DEFAULT 0,
    supports_aspect TINYINT(1) NOT NULL DEFAULT 0,
    supports_style TINYINT(1) NOT NULL DEFAULT 0,
    supports_t2i TINYINT(1) NOT NULL DEFAULT 1,
    supports_i2i TINYINT(1) NOT NULL DEFAULT 0,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS model_prices (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    model_id BIGINT NOT NULL,
    currency VARCHAR(16) NOT NULL DEFAULT 'credit',
    credits INT NOT NULL,
    is_active TINYINT(1) NOT NULL DEFAULT 1,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    closed_at TIMESTAMP NULL,
    INDEX idx_price_model (model_id),
    FOREIGN KEY (model_id) REFERENCES model_catalog(id)
);

CREATE TABLE IF NOT EXISTS generation_requests (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    public_id VARCHAR(36) NOT NULL UNIQUE,
    user_id BIGINT NOT NULL,
    model_id BIGINT NOT NULL,
    prompt TEXT NOT NULL,
    size VARCHAR(32),
    aspect_ratio VARCHAR(16),
    resolution VARCHAR(16),
    quality VARCHAR(16),
    style VARCHAR(64),
    status VARCHAR(16) NOT NULL,
    cost INT NOT NULL DEFAULT 0,
    trial_used TINYINT(1) NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP NULL,
    completed_at TIMESTAMP NULL,
    INDEX idx_request_user_status (user_id, status),
    FOREIGN KEY (user_id) REFERENCES users(id),
    FOREIGN KEY (model_id) REFERENCES model_catalog(id)
);

CREATE TABLE IF NOT EXISTS generation_jobs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    request_id BIGINT NOT NULL,
    provider_job_id VARCHAR(128),
    status VARCHAR(32) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_job_request (request_id),
    FOREIGN KEY (request_id) REFERENCES generation_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS generation_results (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    request_id BIGINT NOT NULL,
    url VARCHAR(1024) NOT NULL,
    mime VARCHAR(64),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (request_id) REFERENCES generation_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS generation_references (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    request_id BIGINT NOT NULL,
    url VARCHAR(1024) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (request_id) REFERENCES generation_requests(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS payment_ledger (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    provider VARCHAR(64) NOT NULL,
    provider_charge_id VARCHAR(128) NOT NULL UNIQUE,
    currency VARCHAR(8) NOT NULL,
    gross_amount INT NOT NULL,
    credits INT NOT NULL,
    refunded TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id)
);

CREATE TABLE IF NOT EXISTS trial_uses (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    user_id BIGINT NOT NULL,
    request_id BIGINT NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id),
    FOREIGN KEY (request_id) REFERENCES generation_requests(id)
);

CREATE TABLE IF NOT EXISTS system_settings (
    setting_key VARCHAR(64) PRIMARY KEY,
    setting_value VARCHAR(255) NOT NULL,
    description VARCHAR(255),
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
);
`
