package matchqueue

const (
	minTrustScore = 0
	maxTrustScore = 100

	youngAccountSlots  = 20_000
	newishAccountSlots = 100_000

	// minimum games in each stake bucket before win-rate skew is judged
	minStakeSample = 5
)

// TrustScore maps account age, experience, and stake-dependent win-rate
// skew into a bounded score. A large gap between high-stake and low-stake
// win rates is the classic sandbagging signal and is penalized hardest.
func TrustScore(in TrustInputs) int {
	score := 50

	if in.AccountAge < youngAccountSlots {
		score -= 20
	} else if in.AccountAge < newishAccountSlots {
		score -= 10
	}

	switch {
	case in.GamesPlayed >= 50:
		score += 30
	case in.GamesPlayed >= 25:
		score += 20
	case in.GamesPlayed >= 10:
		score += 10
	}

	if in.HighStakeGames >= minStakeSample && in.LowStakeGames >= minStakeSample {
		high := float64(in.HighStakeWins) / float64(in.HighStakeGames)
		low := float64(in.LowStakeWins) / float64(in.LowStakeGames)
		switch diff := high - low; {
		case diff > 0.3:
			score -= 30
		case diff > 0.2:
			score -= 20
		case diff > 0.1:
			score -= 10
		}
	}

	if score < minTrustScore {
		return minTrustScore
	}
	if score > maxTrustScore {
		return maxTrustScore
	}
	return score
}
