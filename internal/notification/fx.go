package notification

import (
	"github.com/smallbiznis/trustscan/internal/notification/email"
	"github.com/smallbiznis/trustscan/internal/notification/service"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(email.NewFromConfig),
	fx.Provide(service.NewService),
	fx.Provide(func(s *service.Service) scandomain.Notifier { return s }),
)
