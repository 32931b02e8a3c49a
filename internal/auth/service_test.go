package auth

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mybooks/server/internal/model"
	"github.com/mybooks/server/internal/repo"
)

const testPhone = "+998901234567"
const testIP = "203.0.113.7"

// memOtpRepo is an in-memory OtpRepo for coordinator tests.
type memOtpRepo struct {
	rows   []model.OtpRequest
	nextID int64
	clock  func() time.Time
}

func (m *memOtpRepo) Create(_ context.Context, phone, otpHash, ip string, expiresAt time.Time) (int64, error) {
	m.nextID++
	m.rows = append(m.rows, model.OtpRequest{
		ID:        m.nextID,
		Phone:     phone,
		OtpHash:   otpHash,
		Status:    model.OtpPending,
		IPAddress: ip,
		ExpiresAt: expiresAt,
		CreatedAt: m.createdAtForNext(),
	})
	return m.nextID, nil
}

func (m *memOtpRepo) createdAtForNext() time.Time {
	if m.clock != nil {
		return m.clock()
	}
	return time.Now()
}

func (m *memOtpRepo) LatestPendingByPhone(_ context.Context, phone string) (model.OtpRequest, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Phone == phone && m.rows[i].Status == model.OtpPending {
			return m.rows[i], nil
		}
	}
	return model.OtpRequest{}, fmt.Errorf("no pending otp: %w", sql.ErrNoRows)
}

func (m *memOtpRepo) LastCreatedAt(_ context.Context, phone string) (time.Time, bool, error) {
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].Phone == phone {
			return m.rows[i].CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *memOtpRepo) CountByPhoneSince(_ context.Context, phone string, since time.Time) (int, error) {
	n := 0
	for _, r := range m.rows {
		if r.Phone == phone && r.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memOtpRepo) CountByIPSince(_ context.Context, ip string, since time.Time) (int, error) {
	n := 0
	for _, r := range m.rows {
		if r.IPAddress == ip && r.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *memOtpRepo) SetStatus(_ context.Context, id int64, status model.OtpStatus) error {
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("otp not found: %w", sql.ErrNoRows)
}

func (m *memOtpRepo) MarkVerified(ctx context.Context, id int64) error {
	return m.SetStatus(ctx, id, model.OtpVerified)
}

func (m *memOtpRepo) IncrementAttempts(_ context.Context, id int64) error {
	for i := range m.rows {
		if m.rows[i].ID == id {
			m.rows[i].Attempts++
			return nil
		}
	}
	return fmt.Errorf("otp not found: %w", sql.ErrNoRows)
}

// memUserRepo is an in-memory UserRepo.
type memUserRepo struct {
	users  []model.User
	nextID int64
}

func (m *memUserRepo) find(pred func(model.User) bool) (model.User, error) {
	for _, u := range m.users {
		if pred(u) {
			return u, nil
		}
	}
	return model.User{}, fmt.Errorf("user not found: %w", sql.ErrNoRows)
}

func (m *memUserRepo) GetByID(_ context.Context, id int64) (model.User, error) {
	return m.find(func(u model.User) bool { return u.ID == id })
}

func (m *memUserRepo) GetByPhone(_ context.Context, phone string) (model.User, error) {
	return m.find(func(u model.User) bool { return u.Phone != nil && *u.Phone == phone })
}

func (m *memUserRepo) GetByTelegramID(_ context.Context, tgID string) (model.User, error) {
	return m.find(func(u model.User) bool { return u.TelegramID == tgID })
}

func (m *memUserRepo) CreateTelegramUser(_ context.Context, n repo.NewTelegramUser) (model.User, error) {
	m.nextID++
	now := time.Now()
	u := model.User{
		ID: m.nextID, TelegramID: n.TelegramID, FullName: n.FullName,
		Username: n.Username, AvatarURL: n.AvatarURL, Role: model.RoleUser,
		CreatedAt: now, LastLoginAt: &now,
	}
	m.users = append(m.users, u)
	return u, nil
}

func (m *memUserRepo) CreateSmsUser(_ context.Context, tgID, fullName, phone string) (model.User, error) {
	m.nextID++
	now := time.Now()
	u := model.User{
		ID: m.nextID, TelegramID: tgID, FullName: fullName, Phone: &phone,
		Role: model.RoleUser, CreatedAt: now, LastLoginAt: &now,
	}
	m.users = append(m.users, u)
	return u, nil
}

func (m *memUserRepo) SetPhoneAndTouchLogin(_ context.Context, id int64, phone string) (model.User, error) {
	for i := range m.users {
		if m.users[i].ID == id {
			now := time.Now()
			m.users[i].Phone = &phone
			m.users[i].LastLoginAt = &now
			return m.users[i], nil
		}
	}
	return model.User{}, fmt.Errorf("user not found: %w", sql.ErrNoRows)
}

func (m *memUserRepo) SetPhoneByTelegramID(_ context.Context, tgID, phone string) error {
	for i := range m.users {
		if m.users[i].TelegramID == tgID {
			m.users[i].Phone = &phone
			return nil
		}
	}
	return fmt.Errorf("user not found: %w", sql.ErrNoRows)
}

func (m *memUserRepo) TouchLastLogin(_ context.Context, id int64) error {
	for i := range m.users {
		if m.users[i].ID == id {
			now := time.Now()
			m.users[i].LastLoginAt = &now
			return nil
		}
	}
	return fmt.Errorf("user not found: %w", sql.ErrNoRows)
}

// memAuthRequestRepo is an in-memory AuthRequestRepo that counts writes
// so read-only guarantees can be asserted.
type memAuthRequestRepo struct {
	requests map[string]*model.AuthRequest
	users    *memUserRepo
	writes   int
	nextID   int64
}

func newMemAuthRequestRepo(users *memUserRepo) *memAuthRequestRepo {
	return &memAuthRequestRepo{requests: make(map[string]*model.AuthRequest), users: users}
}

func (m *memAuthRequestRepo) Create(_ context.Context, uuid string) error {
	m.writes++
	m.nextID++
	m.requests[uuid] = &model.AuthRequest{
		ID: m.nextID, RequestUUID: uuid, Status: model.AuthRequestPending, CreatedAt: time.Now(),
	}
	return nil
}

func (m *memAuthRequestRepo) GetByUUID(_ context.Context, uuid string) (model.AuthRequest, error) {
	ar, ok := m.requests[uuid]
	if !ok {
		return model.AuthRequest{}, fmt.Errorf("auth request not found: %w", sql.ErrNoRows)
	}
	return *ar, nil
}

func (m *memAuthRequestRepo) GetWithUser(ctx context.Context, uuid string) (model.AuthRequest, *model.User, error) {
	ar, err := m.GetByUUID(ctx, uuid)
	if err != nil {
		return model.AuthRequest{}, nil, err
	}
	if ar.UserID == nil {
		return ar, nil, nil
	}
	u, err := m.users.GetByID(ctx, *ar.UserID)
	if err != nil {
		return ar, nil, nil
	}
	return ar, &u, nil
}

func (m *memAuthRequestRepo) LinkIdentity(_ context.Context, uuid, tgID string, userID int64) error {
	m.writes++
	if ar, ok := m.requests[uuid]; ok && ar.Status == model.AuthRequestPending {
		ar.TelegramUserID = &tgID
		ar.UserID = &userID
	}
	return nil
}

func (m *memAuthRequestRepo) Complete(_ context.Context, uuid, tgID string, userID int64) error {
	m.writes++
	if ar, ok := m.requests[uuid]; ok && ar.Status == model.AuthRequestPending {
		ar.Status = model.AuthRequestCompleted
		ar.TelegramUserID = &tgID
		ar.UserID = &userID
	}
	return nil
}

func (m *memAuthRequestRepo) CompleteLatestPendingByTelegramID(_ context.Context, tgID string, userID int64) error {
	m.writes++
	var latest *model.AuthRequest
	for _, ar := range m.requests {
		if ar.Status != model.AuthRequestPending || ar.TelegramUserID == nil || *ar.TelegramUserID != tgID {
			continue
		}
		if latest == nil || ar.CreatedAt.After(latest.CreatedAt) {
			latest = ar
		}
	}
	if latest == nil {
		return fmt.Errorf("no pending auth request for identity: %w", sql.ErrNoRows)
	}
	latest.Status = model.AuthRequestCompleted
	latest.UserID = &userID
	return nil
}

// captureSender records sent codes.
type captureSender struct {
	codes   []string
	phones  []string
	failErr error
}

func (s *captureSender) SendCode(_ context.Context, phone, code string) error {
	if s.failErr != nil {
		return s.failErr
	}
	s.phones = append(s.phones, phone)
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, s.codes, "no code was sent")
	return s.codes[len(s.codes)-1]
}

type fixture struct {
	svc     *Service
	otps    *memOtpRepo
	users   *memUserRepo
	reqs    *memAuthRequestRepo
	sender  *captureSender
	current time.Time
}

func (f *fixture) advance(d time.Duration) { f.current = f.current.Add(d) }

func newFixture() *fixture {
	f := &fixture{
		otps:    &memOtpRepo{},
		users:   &memUserRepo{},
		sender:  &captureSender{},
		current: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.reqs = newMemAuthRequestRepo(f.users)
	f.otps.clock = func() time.Time { return f.current }

	limiter := NewRateLimiter(f.otps)
	limiter.now = func() time.Time { return f.current }

	f.svc = NewService(f.users, f.reqs, f.otps, f.sender, limiter, "test-salt")
	f.svc.now = func() time.Time { return f.current }
	return f
}

func TestRequestSmsOtp_issuesCode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	issue, err := f.svc.RequestSmsOtp(ctx, "90 123 45 67", testIP)
	require.NoError(t, err)
	assert.Equal(t, 300, issue.ExpiresInSeconds)
	assert.Equal(t, 120, issue.RetryAfterSeconds)
	assert.NotZero(t, issue.RequestID)

	require.Len(t, f.otps.rows, 1)
	row := f.otps.rows[0]
	assert.Equal(t, testPhone, row.Phone, "phone must be normalized before storage")
	assert.Equal(t, testIP, row.IPAddress)
	assert.Equal(t, model.OtpPending, row.Status)
	// Only the salted hash is persisted, never the raw code.
	code := f.sender.lastCode(t)
	assert.NotContains(t, row.OtpHash, code)
	assert.Equal(t, HashCode(testPhone, code, "test-salt"), row.OtpHash)
}

func TestRequestSmsOtp_invalidPhone(t *testing.T) {
	f := newFixture()
	_, err := f.svc.RequestSmsOtp(context.Background(), "12345", testIP)
	assert.ErrorIs(t, err, ErrInvalidPhone)
	assert.Empty(t, f.otps.rows)
	assert.Empty(t, f.sender.codes)
}

func TestRequestSmsOtp_cooldown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)

	f.advance(30 * time.Second)
	_, err = f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)

	var cooldown *CooldownError
	require.ErrorAs(t, err, &cooldown)
	assert.Equal(t, 90, cooldown.RetryAfterSeconds)
	assert.LessOrEqual(t, cooldown.RetryAfterSeconds, CooldownSeconds)
	assert.Len(t, f.sender.codes, 1, "no second SMS may be sent during cooldown")
}

func TestRequestSmsOtp_phoneHourlyLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < MaxPerPhoneHour; i++ {
		_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
		require.NoError(t, err)
		f.advance(3 * time.Minute)
	}

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	assert.ErrorIs(t, err, ErrPhoneHourlyLimit)
}

func TestRequestSmsOtp_phoneDailyLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Spread 12 requests over the day so the hourly cap never triggers.
	for i := 0; i < MaxPerPhoneDay; i++ {
		_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
		require.NoError(t, err)
		f.advance(90 * time.Minute)
	}

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	assert.ErrorIs(t, err, ErrPhoneDailyLimit)
}

func TestRequestSmsOtp_ipHourlyLimit(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	// Different phones, same source address.
	for i := 0; i < MaxPerIPHour; i++ {
		phone := fmt.Sprintf("+9989012345%02d", i)
		_, err := f.svc.RequestSmsOtp(ctx, phone, testIP)
		require.NoError(t, err)
	}

	_, err := f.svc.RequestSmsOtp(ctx, "+998907654321", testIP)
	assert.ErrorIs(t, err, ErrIPHourlyLimit)
}

func TestRequestSmsOtp_cooldownReportedBeforeHourlyCap(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	for i := 0; i < MaxPerPhoneHour; i++ {
		_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
		require.NoError(t, err)
		f.advance(3 * time.Minute)
	}
	// Rewind inside the cooldown window of the last request: both the
	// cooldown and the hourly cap now apply, and the cooldown must win.
	f.advance(-2 * time.Minute)
	f.advance(10 * time.Second)

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	var cooldown *CooldownError
	assert.ErrorAs(t, err, &cooldown)
}

func TestRequestSmsOtp_sendFailureLeavesNoRow(t *testing.T) {
	f := newFixture()
	f.sender.failErr = fmt.Errorf("gateway down")

	_, err := f.svc.RequestSmsOtp(context.Background(), testPhone, testIP)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
	assert.Empty(t, f.otps.rows, "no OtpRequest may exist if the SMS was not sent")
}

func TestVerifySmsOtp_success(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)

	user, err := f.svc.VerifySmsOtp(ctx, testPhone, f.sender.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, "sms:"+testPhone, user.TelegramID)
	require.NotNil(t, user.Phone)
	assert.Equal(t, testPhone, *user.Phone)
	assert.Equal(t, model.RoleUser, user.Role)

	assert.Equal(t, model.OtpVerified, f.otps.rows[0].Status)
}

func TestVerifySmsOtp_onlyLatestCodeVerifies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)
	firstCode := f.sender.lastCode(t)

	f.advance(121 * time.Second) // past cooldown
	_, err = f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)
	secondCode := f.sender.lastCode(t)
	require.NotEqual(t, firstCode, secondCode)

	_, err = f.svc.VerifySmsOtp(ctx, testPhone, firstCode)
	assert.ErrorIs(t, err, ErrWrongCode, "superseded code must not verify")

	_, err = f.svc.VerifySmsOtp(ctx, testPhone, secondCode)
	assert.NoError(t, err)
}

func TestVerifySmsOtp_expired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)
	code := f.sender.lastCode(t)

	f.advance(301 * time.Second)
	_, err = f.svc.VerifySmsOtp(ctx, testPhone, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
	assert.Equal(t, model.OtpExpired, f.otps.rows[0].Status, "expiry must be recorded even for a correct code")
}

func TestVerifySmsOtp_attemptExhaustion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)
	code := f.sender.lastCode(t)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	for i := 0; i < 5; i++ {
		_, err := f.svc.VerifySmsOtp(ctx, testPhone, wrong)
		assert.ErrorIs(t, err, ErrWrongCode, "attempt %d", i+1)
	}
	assert.Equal(t, 5, f.otps.rows[0].Attempts)

	// Sixth attempt fails even with the right code.
	_, err = f.svc.VerifySmsOtp(ctx, testPhone, code)
	assert.ErrorIs(t, err, ErrTooManyAttempts)
	assert.Equal(t, model.OtpFailed, f.otps.rows[0].Status)

	// Note: concurrent verifies may both read the same attempt count and
	// under-count by one; that race is accepted, bounded by the 5-minute
	// expiry, and not exercised here.
}

func TestVerifySmsOtp_malformedInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.VerifySmsOtp(ctx, "not-a-phone", "123456")
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = f.svc.VerifySmsOtp(ctx, testPhone, "12345")
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestVerifySmsOtp_noActiveCode(t *testing.T) {
	f := newFixture()
	_, err := f.svc.VerifySmsOtp(context.Background(), testPhone, "123456")
	assert.ErrorIs(t, err, ErrNoActiveCode)
}

func TestVerifySmsOtp_codeSanitizedToDigits(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)
	code := f.sender.lastCode(t)

	spaced := code[:3] + " " + code[3:]
	_, err = f.svc.VerifySmsOtp(ctx, testPhone, spaced)
	assert.NoError(t, err, "punctuation in the code must be ignored")
}

func TestVerifySmsOtp_existingUserMatchedByPhone(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	existing, err := f.users.CreateTelegramUser(ctx, repo.NewTelegramUser{
		TelegramID: "424242", FullName: "Existing User",
	})
	require.NoError(t, err)
	_, err = f.users.SetPhoneAndTouchLogin(ctx, existing.ID, testPhone)
	require.NoError(t, err)

	_, err = f.svc.RequestSmsOtp(ctx, testPhone, testIP)
	require.NoError(t, err)

	user, err := f.svc.VerifySmsOtp(ctx, testPhone, f.sender.lastCode(t))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, user.ID, "SMS login must reuse the Telegram identity that owns the phone")
	assert.Equal(t, "424242", user.TelegramID)
	assert.Len(t, f.users.users, 1, "no duplicate user may be created")
}

func TestCreateAndCheckAuthRequest(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	requestUUID, err := f.svc.CreateAuthRequest(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, requestUUID)

	result, err := f.svc.CheckAuthStatus(ctx, requestUUID)
	require.NoError(t, err)
	assert.Equal(t, model.AuthRequestPending, result.Status)
	assert.Nil(t, result.User)
}

func TestCheckAuthStatus_unknownRequest(t *testing.T) {
	f := newFixture()
	_, err := f.svc.CheckAuthStatus(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckAuthStatus_completedIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	requestUUID, err := f.svc.CreateAuthRequest(ctx)
	require.NoError(t, err)

	user, err := f.users.CreateTelegramUser(ctx, repo.NewTelegramUser{
		TelegramID: "777", FullName: "Tg User",
	})
	require.NoError(t, err)
	require.NoError(t, f.reqs.Complete(ctx, requestUUID, "777", user.ID))

	writesBefore := f.reqs.writes
	var first CheckResult
	for i := 0; i < 10; i++ {
		result, err := f.svc.CheckAuthStatus(ctx, requestUUID)
		require.NoError(t, err)
		require.NotNil(t, result.User)
		if i == 0 {
			first = result
			continue
		}
		assert.Equal(t, first, result, "repeated checks must return the identical payload")
	}
	assert.Equal(t, writesBefore, f.reqs.writes, "status checks must not mutate state")
}

func TestGetUser(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	created, err := f.users.CreateTelegramUser(ctx, repo.NewTelegramUser{
		TelegramID: "555", FullName: "Reader",
	})
	require.NoError(t, err)

	user, err := f.svc.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Reader", user.FullName)

	_, err = f.svc.GetUser(ctx, created.ID+1000)
	assert.ErrorIs(t, err, ErrNotFound)
}
