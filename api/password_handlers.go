package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"bastion/util"
)

// passwordCheckRequest is the body of POST /api/v1/password/check. Embedding
// applications call this during password changes; the plaintext is validated
// and optionally recorded as a bcrypt hash, never stored as-is.
type passwordCheckRequest struct {
	UserID    string `json:"user_id" validate:"required,max=255"`
	Password  string `json:"password" validate:"required,max=512"`
	Username  string `json:"username" validate:"omitempty,max=255"`
	Email     string `json:"email" validate:"omitempty,max=320"`
	FirstName string `json:"first_name" validate:"omitempty,max=255"`
	LastName  string `json:"last_name" validate:"omitempty,max=255"`
	// RecordOnSuccess appends the hash to the user's password history when
	// the password passes validation.
	RecordOnSuccess bool `json:"record_on_success"`
}

func (a *API) checkPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	validate := validator.New()
	if err := validate.Struct(req); err != nil {
		a.writeError(w, http.StatusBadRequest, "Invalid password check format", err)
		return
	}

	var history []string
	if a.history != nil {
		var err error
		history, err = a.history.History(r.Context(), req.UserID, a.policy.HistoryCount)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, "Failed to load password history", err)
			return
		}
	}

	info := util.PersonalInfo{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
	}
	result := a.policy.Validate(req.Password, info, history, util.BcryptCompare())

	if result.Valid && req.RecordOnSuccess && a.history != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			a.writeError(w, http.StatusInternalServerError, "Failed to record password", err)
			return
		}
		if err := a.history.Add(r.Context(), req.UserID, string(hash), a.policy.HistoryCount); err != nil {
			a.writeError(w, http.StatusInternalServerError, "Failed to record password", err)
			return
		}
	}

	a.respondJSON(w, result, http.StatusOK)
}
