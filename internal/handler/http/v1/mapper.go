package v1

import (
	"fmt"

	"github.com/shenikar/food_alert_system/internal/models"
)

// FormToNewAlert преобразует форму создания в параметры сервиса
func FormToNewAlert(form CreateAlertForm, image *models.Upload) models.NewAlert {
	return models.NewAlert{
		Description: form.Description,
		Quantity:    form.Quantity,
		Location:    form.Location,
		Image:       image,
	}
}

// ModelToAlertResponse преобразует доменную модель в DTO для ответа.
// Внутреннее имя файла наружу не отдается, вместо него ссылка на изображение.
func ModelToAlertResponse(model *models.Alert) *AlertResponse {
	resp := &AlertResponse{
		ID:          model.ID,
		Description: model.Description,
		Quantity:    model.Quantity,
		Location:    model.Location,
		CreatedAt:   model.CreatedAt,
		Collected:   model.Collected,
		OwnerID:     model.OwnerID,
	}
	if model.HasImage() {
		resp.ImageURL = fmt.Sprintf("/api/v1/alerts/%s/image", model.ID)
	}
	if model.Prediction != nil {
		resp.Prediction = string(*model.Prediction)
	}
	return resp
}

// ModelsToAlertResponses преобразует слайс моделей в слайс DTO
func ModelsToAlertResponses(models []*models.Alert) []*AlertResponse {
	responses := make([]*AlertResponse, len(models))
	for i, model := range models {
		responses[i] = ModelToAlertResponse(model)
	}
	return responses
}

func ModelToAccountResponse(model *models.Account) *AccountResponse {
	return &AccountResponse{
		ID:        model.ID,
		Name:      model.Name,
		Role:      string(model.Role),
		CreatedAt: model.CreatedAt,
	}
}

func SessionToLoginResponse(session *models.Session) *LoginResponse {
	return &LoginResponse{
		Token:     session.Token,
		ExpiresAt: session.ExpiresAt,
		AccountID: session.Actor.AccountID,
		Name:      session.Actor.Name,
		Role:      string(session.Actor.Role),
	}
}
