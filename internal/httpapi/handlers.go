package httpapi

import (
	"net/http"
	"strconv"

	"github.com/serplantas/authcore"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if !decodeJSON(w, r, &body) {
		return
	}
	id, err := a.engine.Register(r.Context(), body.Email, body.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"user_id": id})
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var body credentials
	if !decodeJSON(w, r, &body) {
		return
	}
	res, err := a.engine.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if res.Tokens != nil {
		a.setRefreshCookie(w, r, res.Tokens)
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) verifySecondFactor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChallengeID string `json:"challenge_id"`
		Code        string `json:"code"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	pair, err := a.engine.VerifySecondFactor(r.Context(), body.ChallengeID, body.Code)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.setRefreshCookie(w, r, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	token, ok := refreshTokenFrom(w, r)
	if !ok {
		return
	}
	pair, err := a.engine.Refresh(r.Context(), token)
	if err != nil {
		if isTokenError(err) {
			a.clearRefreshCookie(w, r)
		}
		a.writeError(w, r, err)
		return
	}
	a.setRefreshCookie(w, r, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	token, ok := refreshTokenFrom(w, r)
	if !ok {
		return
	}
	if err := a.engine.Logout(r.Context(), token); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	id, _ := authcore.IdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, id)
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	id, _ := authcore.IdentityFromContext(r.Context())
	list, err := a.engine.Sessions(r.Context(), id.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	type session struct {
		authcore.Session
		Current bool `json:"current"`
	}
	out := make([]session, 0, len(list))
	for _, s := range list {
		out = append(out, session{Session: s, Current: s.ID == id.SessionID})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (a *api) logoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := authcore.IdentityFromContext(r.Context())
	n, err := a.engine.LogoutAll(r.Context(), id.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"revoked": strconv.Itoa(n)})
}

func (a *api) changePassword(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id, _ := authcore.IdentityFromContext(r.Context())
	if err := a.engine.ChangePassword(r.Context(), id.UserID, body.Current, body.New); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) beginTOTP(w http.ResponseWriter, r *http.Request) {
	id, _ := authcore.IdentityFromContext(r.Context())
	enr, err := a.engine.BeginEnableTOTP(r.Context(), id.UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enr)
}

func (a *api) confirmTOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id, _ := authcore.IdentityFromContext(r.Context())
	if err := a.engine.ConfirmEnableTOTP(r.Context(), id.UserID, body.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) cancelTOTP(w http.ResponseWriter, r *http.Request) {
	id, _ := authcore.IdentityFromContext(r.Context())
	if err := a.engine.CancelTOTPEnrollment(r.Context(), id.UserID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) disableTOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Password string `json:"password"`
		Code     string `json:"code"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	id, _ := authcore.IdentityFromContext(r.Context())
	if err := a.engine.DisableTOTP(r.Context(), id.UserID, body.Password, body.Code); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearRefreshCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}
