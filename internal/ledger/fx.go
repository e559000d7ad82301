package ledger

import (
	"github.com/smallbiznis/creditledger/internal/ledger/repository"
	"github.com/smallbiznis/creditledger/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger",
	fx.Provide(repository.ProvideIdempotency),
	fx.Provide(repository.ProvideBalance),
	fx.Provide(repository.ProvideEntry),
	fx.Provide(service.NewService),
)
