package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"marketchat/cmd/internal/realtime"
)

// ParseSeedConversations parses "buyer:seller:shop" triples separated by commas.
func ParseSeedConversations(s string) ([]realtime.OpenConversationInput, error) {
	var out []realtime.OpenConversationInput
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("config: seed conversation %q: want buyer:seller:shop", item)
		}
		var ids [3]int64
		for i, p := range parts {
			n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("config: seed conversation %q: bad id %q", item, p)
			}
			ids[i] = n
		}
		out = append(out, realtime.OpenConversationInput{BuyerID: ids[0], SellerID: ids[1], ShopID: ids[2]})
	}
	return out, nil
}

func seedConversations(ctx context.Context, st realtime.MessageStore, seeds []realtime.OpenConversationInput, log Logger) error {
	if len(seeds) == 0 {
		return nil
	}
	opener, ok := st.(realtime.ConversationOpener)
	if !ok {
		return errors.New("seed: store cannot open conversations")
	}
	for _, in := range seeds {
		conv, err := opener.OpenConversation(ctx, in)
		if err != nil && !errors.Is(err, realtime.ErrConversationExists) {
			return fmt.Errorf("seed %d:%d:%d: %w", in.BuyerID, in.SellerID, in.ShopID, err)
		}
		log.Info("seed.conversation",
			"conversation_id", conv.ID,
			"buyer_id", in.BuyerID,
			"seller_id", in.SellerID,
			"shop_id", in.ShopID,
			"existing", err != nil,
		)
	}
	return nil
}
