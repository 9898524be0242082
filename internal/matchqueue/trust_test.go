package matchqueue

import "testing"

func TestTrustScore(t *testing.T) {
	cases := []struct {
		name string
		in   TrustInputs
		want int
	}{
		{"brand new account", TrustInputs{AccountAge: 5_000}, 30},
		{"young account", TrustInputs{AccountAge: 50_000}, 40},
		{"aged, no games", TrustInputs{AccountAge: 200_000}, 50},
		{"aged veteran", TrustInputs{AccountAge: 200_000, GamesPlayed: 60}, 80},
		{"aged, some games", TrustInputs{AccountAge: 200_000, GamesPlayed: 12}, 60},
		{
			"sandbagger",
			TrustInputs{
				AccountAge: 200_000, GamesPlayed: 30,
				HighStakeGames: 10, HighStakeWins: 9,
				LowStakeGames: 10, LowStakeWins: 3,
			},
			40, // 50 + 20 - 30
		},
		{
			"mild skew",
			TrustInputs{
				AccountAge: 200_000, GamesPlayed: 30,
				HighStakeGames: 10, HighStakeWins: 6,
				LowStakeGames: 10, LowStakeWins: 4,
			},
			60, // 50 + 20 - 10
		},
		{
			"skew ignored on thin sample",
			TrustInputs{
				AccountAge: 200_000, GamesPlayed: 30,
				HighStakeGames: 3, HighStakeWins: 3,
				LowStakeGames: 10, LowStakeWins: 1,
			},
			70,
		},
		{
			"floor at zero",
			TrustInputs{
				AccountAge:     1_000,
				HighStakeGames: 10, HighStakeWins: 10,
				LowStakeGames: 10, LowStakeWins: 0,
			},
			0,
		},
	}
	for _, tc := range cases {
		if got := TrustScore(tc.in); got != tc.want {
			t.Errorf("%s: TrustScore = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestTrustScoreBounded(t *testing.T) {
	ages := []int64{0, 10_000, 50_000, 500_000}
	games := []int{0, 10, 25, 50, 200}
	for _, age := range ages {
		for _, g := range games {
			for wins := 0; wins <= 10; wins++ {
				in := TrustInputs{
					AccountAge: age, GamesPlayed: g,
					HighStakeGames: 10, HighStakeWins: wins,
					LowStakeGames: 10, LowStakeWins: 10 - wins,
				}
				got := TrustScore(in)
				if got < 0 || got > 100 {
					t.Fatalf("TrustScore(%+v) = %d, outside [0,100]", in, got)
				}
			}
		}
	}
}
