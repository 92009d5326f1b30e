/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

// Money columns hold integer cents so conditional updates compare exactly.

const userColumns = `id, name, email, role, paypal_email, balance, total_earnings, total_credits_acquired, created_at, updated_at`

const (
	queryInsertUser = `
		INSERT INTO users (id, name, email, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetUserById = `SELECT ` + userColumns + ` FROM users WHERE id = ?`

	queryGetUserByEmail = `SELECT ` + userColumns + ` FROM users WHERE email = ?`

	queryGetUsers = `SELECT ` + userColumns + ` FROM users ORDER BY created_at`

	querySetPaypalEmail = `UPDATE users SET paypal_email = ?, updated_at = ? WHERE id = ?`

	queryGetUserBalance = `SELECT balance FROM users WHERE id = ?`

	queryCreditUserBalance = `
		UPDATE users
		SET balance = balance + ?,
		    total_credits_acquired = total_credits_acquired + ?,
		    total_earnings = total_earnings + ?,
		    updated_at = ?
		WHERE id = ?`

	queryDebitUserBalance = `
		UPDATE users
		SET balance = balance - ?, updated_at = ?
		WHERE id = ? AND balance >= ?`

	queryAdjustUserBalance = `
		UPDATE users
		SET balance = ?, total_credits_acquired = total_credits_acquired + ?, updated_at = ?
		WHERE id = ? AND balance = ?`
)

const projectColumns = `id, posted_by, details, total_budget, platform_fee_percentage, platform_fee, total_bounty,
	remaining_bounty, status, payment_status, paypal_order_id, paypal_payment_id, fee_status, fee_payout_id,
	fee_failure_reason, created_at, updated_at`

const (
	queryInsertProject = `
		INSERT INTO projects (` + projectColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(paypal_order_id) DO NOTHING`

	queryGetProject = `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`

	queryGetProjectByOrderId = `SELECT ` + projectColumns + ` FROM projects WHERE paypal_order_id = ?`

	queryListProjects = `SELECT ` + projectColumns + ` FROM projects ORDER BY created_at`

	queryListProjectsByUser = `SELECT ` + projectColumns + ` FROM projects WHERE posted_by = ? ORDER BY created_at DESC`

	queryGetProjectBounty = `SELECT remaining_bounty, total_bounty FROM projects WHERE id = ?`

	queryDebitProjectBounty = `
		UPDATE projects
		SET remaining_bounty = remaining_bounty - ?, updated_at = ?
		WHERE id = ? AND remaining_bounty >= ?`

	queryCreditProjectBounty = `
		UPDATE projects
		SET remaining_bounty = remaining_bounty + ?, updated_at = ?
		WHERE id = ? AND remaining_bounty + ? <= total_bounty`

	queryRepairProjectBounty = `
		UPDATE projects
		SET remaining_bounty = ?, updated_at = ?
		WHERE id = ? AND remaining_bounty = ?`

	querySetProjectPaymentStatus = `
		UPDATE projects
		SET payment_status = ?, paypal_payment_id = COALESCE(NULLIF(?, ''), paypal_payment_id), updated_at = ?
		WHERE paypal_order_id = ?`

	queryResetProjectPayment = `
		UPDATE projects
		SET payment_status = 'pending', paypal_payment_id = '', updated_at = ?
		WHERE paypal_order_id = ?`

	queryClaimProjectFee = `
		UPDATE projects
		SET fee_status = 'sending', updated_at = ?
		WHERE id = ? AND fee_status IN ('uncollected', 'failed') AND payment_status = 'paid'`

	queryUpdateProjectFee = `
		UPDATE projects
		SET fee_status = ?, fee_payout_id = ?, fee_failure_reason = ?, updated_at = ?
		WHERE id = ?`

	queryListUncollectedFees = `
		SELECT ` + projectColumns + ` FROM projects
		WHERE fee_status IN ('uncollected', 'failed') AND payment_status = 'paid' AND platform_fee > 0
		ORDER BY created_at
		LIMIT ?`

	querySumApprovedRewards = `
		SELECT COALESCE(SUM(reward_amount), 0) FROM bug_reports
		WHERE project_id = ? AND reward_status = 'approved'`
)

const (
	queryInsertPendingOrder = `
		INSERT INTO pending_orders (order_id, user_id, details, total, fee_pct, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	queryGetPendingOrder = `
		SELECT order_id, user_id, details, total, fee_pct, created_at, expires_at
		FROM pending_orders
		WHERE order_id = ? AND expires_at > ?`

	queryDeletePendingOrder = `DELETE FROM pending_orders WHERE order_id = ?`

	queryPurgeExpiredPendingOrders = `DELETE FROM pending_orders WHERE expires_at <= ?`
)

const reportColumns = `id, project_id, submitted_by, title, severity, status, reward_amount, reward_status,
	reward_approved_by, reward_approved_at, admin_notes, created_at, updated_at`

// appendNotesExpr appends a line to admin_notes; it binds the same argument three times.
const appendNotesExpr = `CASE WHEN ? = '' THEN admin_notes WHEN admin_notes = '' THEN ? ELSE admin_notes || char(10) || ? END`

const (
	queryInsertBugReport = `
		INSERT INTO bug_reports (id, project_id, submitted_by, title, severity, status, reward_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 'pending', ?, ?)`

	queryGetBugReport = `SELECT ` + reportColumns + ` FROM bug_reports WHERE id = ?`

	queryListBugReportsByProject = `SELECT ` + reportColumns + ` FROM bug_reports WHERE project_id = ? ORDER BY created_at`

	queryUpdateRewardAmount = `
		UPDATE bug_reports
		SET reward_amount = ?,
		    reward_status = CASE WHEN ? > 0 THEN 'approved' ELSE reward_status END,
		    admin_notes = ` + appendNotesExpr + `,
		    updated_at = ?
		WHERE id = ? AND status = 'approved' AND reward_amount = ?`

	queryDeleteBugReport = `
		DELETE FROM bug_reports
		WHERE id = ? AND status = ? AND reward_status = ? AND reward_amount = ?`
)

const withdrawalColumns = `id, user_id, amount, destination, status, balance_deducted, paypal_payout_id, paypal_item_id,
	failure_reason, admin_notes, processed_by, processed_at, completed_at, created_at, updated_at`

const (
	queryInsertWithdrawal = `
		INSERT INTO withdrawals (id, user_id, amount, destination, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`

	queryGetWithdrawal = `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE id = ?`

	queryListWithdrawalsByUser = `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE user_id = ? ORDER BY created_at DESC`

	queryDeleteWithdrawal = `DELETE FROM withdrawals WHERE id = ? AND status IN ('rejected', 'completed')`
)

const (
	queryInsertWebhookEvent = `
		INSERT INTO webhook_events (event_id, event_type, resource, processed, error, created_at)
		VALUES (?, ?, ?, 0, '', ?)`

	queryMarkWebhookEventProcessed = `
		UPDATE webhook_events
		SET processed = ?, error = ?, processed_at = ?
		WHERE event_id = ?`

	queryGetWebhookEvent = `
		SELECT event_id, event_type, resource, processed, error, created_at, processed_at
		FROM webhook_events WHERE event_id = ?`
)

const transactionColumns = `id, transaction_type, user_id, project_id, amount, COALESCE(external_id, ''), reference, status, created_at`

const (
	queryCheckDuplicateTransaction = `SELECT id FROM transactions WHERE external_id = ?`

	queryInsertTransaction = `
		INSERT INTO transactions (id, transaction_type, user_id, project_id, amount, external_id, reference, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'completed', ?, ?)`

	queryInsertJournalEntry = `
		INSERT INTO journal_entries (id, transaction_id, account, debit_amount, credit_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	queryGetTransactionHistory = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?`

	queryGetProjectTransactions = `
		SELECT ` + transactionColumns + ` FROM transactions
		WHERE project_id = ?
		ORDER BY created_at`

	queryAccountBalance = `
		SELECT COALESCE(SUM(debit_amount - credit_amount), 0)
		FROM journal_entries
		WHERE account = ?`
)
