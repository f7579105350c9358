package blocklist

// Corpus is the static data the classifiers are built from. Slices keep
// their declaration order so that Reason reports the same first match on
// every run.
type Corpus struct {
	Domains  []string
	Keywords []string
	Patterns []string
}

// DefaultCorpus returns the built-in gambling corpus.
func DefaultCorpus() Corpus {
	return Corpus{
		Domains:  append([]string(nil), blockedDomains...),
		Keywords: mergeKeywords(turkishKeywords, englishKeywords, siteKeywords),
		Patterns: append([]string(nil), regexPatterns...),
	}
}

// Merge returns a corpus with extra domains and keywords appended after the
// built-in ones. Duplicates are dropped, first occurrence wins.
func (c Corpus) Merge(domains, keywords []string) Corpus {
	return Corpus{
		Domains:  mergeKeywords(c.Domains, domains),
		Keywords: mergeKeywords(c.Keywords, keywords),
		Patterns: append([]string(nil), c.Patterns...),
	}
}

func mergeKeywords(lists ...[]string) []string {
	seen := make(map[string]bool)
	var result []string
	for _, list := range lists {
		for _, kw := range list {
			kw = foldDiacritics(toLower(kw))
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			result = append(result, kw)
		}
	}
	return result
}

var turkishKeywords = []string{
	"bahis", "kumar", "kumarhane", "gazino", "tombala", "piyango",
	"iddaa", "iddia", "bahisci", "kumarci", "bahissever",
	"canlibahis", "canlikumar", "canlicasino", "canliiddaa",
	"bahissitesi", "kumarsitesi", "bahisoyunu", "kumaroyunu",
	"bahisanaliz", "bahistahmin", "mactahmin", "iddiatahmin",
	"bahisbonus", "hosgeldinbonus", "yatirimbonus", "kayipbonus",
	"freespin", "bedavabahis", "bedavacasino", "bonusveren",
	"cevrimsiz", "cevrimsart", "yatirimsiz", "kayipsiz",
	"slot", "slotoyun", "slotmakine", "jackpot", "megajackpot",
	"rulet", "blackjack", "bakara", "baccarat", "poker",
	"holdem", "texasholdem", "omaha", "videopoker",
	"sicbo", "craps", "keno", "bingo", "tombala",
	"macbahis", "futbolbahis", "basketbahis", "tenisbahis",
	"voleybolbahis", "canlimaç", "canliskor", "iddaaprogram",
	"bahisoranlar", "canlioran", "macoran", "superoran",
	"bahisyap", "bahisoyna", "kumaroyna", "parakazan",
	"kazangaranti", "kesinkazan", "risksiz", "garantili",
	"bahisco", "kumarco", "casinoco", "betci", "slotcu",
	"bahiskar", "kumarkar",
}

var englishKeywords = []string{
	"bet", "gamble", "gambling", "betting", "wager", "wagering",
	"casino", "poker", "blackjack", "roulette", "baccarat",
	"slots", "slot", "jackpot", "megaways", "freespins",
	"sportsbet", "sportbet", "sportsbetting", "livebetting",
	"livebet", "inplay", "inplaybet", "prematch",
	"accumulator", "parlay", "multibet", "combobet",
	"livecasino", "livegames", "liveroulette", "liveblackjack",
	"videoslots", "classicslots", "fruitslots", "vegasslots",
	"scratchcard", "instantwin", "virtualsports",
	"welcomebonus", "depositbonus", "nodeposit", "freechips",
	"cashback", "reload", "highroller", "vipbonus",
	"loyaltybonus", "referralbonus", "matchbonus",
	"placebet", "betslip", "cashout", "withdraw",
	"onlinecasino", "onlinepoker", "onlineslots", "onlinegambling",
	"mobilecasino", "mobilebet", "instantplay",
}

var siteKeywords = []string{
	"1xbet", "bet365", "betway", "bwin", "unibet", "betfair",
	"williamhill", "ladbrokes", "coral", "paddypower",
	"pinnacle", "marathonbet", "22bet", "melbet", "mostbet",
	"betwinner", "parimatch", "dafabet", "mansion",
	"leovegas", "casumo", "mrgreen", "rizk", "videoslots",
	"bets10", "betboo", "superbahis", "superbetin", "mobilbahis",
	"tipobet", "youwin", "bahigo", "betvole", "betpas",
	"betpark", "betist", "betnano", "betlike", "betexper",
	"casinomaxi", "casinoslot", "casinometropol", "vdcasino",
	"cepbahis", "dinamobet", "dumanbet", "elitbahis",
	"fenomenbet", "goldenbahis", "gorabet", "grandbetting",
	"hilbet", "ikimisli", "imajbet", "jasminbet", "jojobet",
	"klasbahis", "kolaybet", "ligobet", "mariobet", "marsbet",
	"matadorbet", "meritroyalbet", "milosbet", "nakitbahis",
	"ngsbahis", "odeonbet", "onwin", "orisbet", "paribahis",
	"perabet", "piabet", "pinbahis", "polobet", "princessbet",
	"privebet", "pusulabet", "restbet", "rivalo", "romabet",
	"sahabet", "santosbetting", "sekabet", "setrabet",
	"showbahis", "simsekbet", "sultanbet", "superbahis",
	"tempobet", "tipobet", "trbet", "truvabet", "tulipbet",
	"ultrabet", "vegabet", "vevobahis", "vidobet", "wonodds",
	"xbet", "yakinbahis", "zalbet", "zbahis",
}

var blockedDomains = []string{
	"1xbet.com", "1xbet.mobi", "1xbettr.com",
	"bet365.com", "bet365.es", "bet365.it",
	"betway.com", "betway.es",
	"bwin.com", "bwin.es",
	"unibet.com", "unibet.fr",
	"betfair.com", "betfair.es",
	"williamhill.com", "williamhill.es",
	"paddypower.com", "ladbrokes.com",
	"pinnacle.com", "pinnaclesports.com",
	"22bet.com", "22bet.ng",
	"melbet.com", "melbet.org",
	"mostbet.com", "mostbet.az",
	"bets10.com", "bets10giris.com", "bets10yenigiris.com",
	"betboo.com", "betboo1.com", "betboogiris.com",
	"superbahis.com", "superbahisgiris.com",
	"superbetin.com", "superbetin1.com",
	"mobilbahis.com", "mobilbahis1.com", "mobilbahisgiris.com",
	"tipobet.com", "tipobet365.com", "tipobetgiris.com",
	"youwin.com", "youwin1.com", "youwingiris.com",
	"bahigo.com", "bahigogiris.com",
	"jojobet.com", "jojobetgiris.com", "jojobet1.com",
	"casinomaxi.com", "casinomaxigiris.com",
	"vdcasino.com", "vdcasinogiris.com",
	"imajbet.com", "imajbetgiris.com",
	"sekabet.com", "sekabetgiris.com",
	"tempobet.com", "tempobetgiris.com",
	"matadorbet.com", "matadorbetgiris.com",
	"sahabet.com", "sahabetgiris.com",
	"onwin.com", "onwingiris.com",
	"perabet.com", "perabetgiris.com",
	"restbet.com", "restbetgiris.com",
	"piabet.com", "piabetgiris.com",
	"pinbahis.com", "pinbahisgiris.com",
}

// Evaluated in order against the normalized name, case-insensitively.
var regexPatterns = []string{
	`b[a4@]h[i1!ı][s5$ş]`,
	`b[e3][t7]`,
	`c[a4@][s5$][i1!][n][o0]`,
	`k[u][m][a4@]r`,
	`s[l1][o0][t7]`,
	`p[o0]k[e3]r`,
	`r[u][l1][e3][t7]`,
	`[i1!]dd[i1!][a4@]`,
	`j[a4@]ckp[o0][t7]`,
	`.*bet[0-9]+.*`,
	`.*casino[0-9]+.*`,
	`.*slot[0-9]+.*`,
	`.*bahis[0-9]+.*`,
	`.*giris[0-9]*\.(com|net|org).*`,
	`.*yenigiris.*`,
	`.*guncelgiris.*`,
	`.*mobilgiris.*`,
}

// leetTable maps a base letter to the characters that imitate it. Lookup
// walks the table in order and the first letter claiming a character wins,
// so '1' decodes to 'i' rather than 'l'.
var leetTable = []struct {
	letter rune
	subs   []rune
}{
	{'a', []rune{'4', '@', 'α'}},
	{'e', []rune{'3', '€', 'ε'}},
	{'i', []rune{'1', '!', 'ı', 'İ'}},
	{'o', []rune{'0', 'ø', 'ο'}},
	{'s', []rune{'5', '$', 'ş', 'Ş'}},
	{'t', []rune{'7', '+'}},
	{'b', []rune{'8', 'ß'}},
	{'g', []rune{'9', 'ğ', 'Ğ'}},
	{'l', []rune{'1', '|'}},
	{'c', []rune{'ç', 'Ç', '('}},
	{'u', []rune{'ü', 'Ü', 'µ'}},
}

var diacriticTable = map[rune]rune{
	'ş': 's', 'Ş': 's',
	'ğ': 'g', 'Ğ': 'g',
	'ü': 'u', 'Ü': 'u',
	'ö': 'o', 'Ö': 'o',
	'ç': 'c', 'Ç': 'c',
	'ı': 'i', 'İ': 'i',
}

var blockedPackages = []string{
	"com.x1bet.mobile", "com.xbet.app", "com.onexbet",
	"com.bet365", "com.bet365.app",
	"com.betway.app", "com.betway.mobile",
	"com.bwin.androidclient", "com.bwin.mobile",
	"com.unibet", "com.unibet.casino", "com.unibet.poker",
	"com.williamhill.sports", "com.williamhill.casino",
	"com.paddypower.sportsbook", "com.paddypower.casino",
	"com.pokerstars.eu", "com.pokerstars.mobile",
	"com.casino888", "com.poker888", "com.slots888",
	"com.bets10", "com.bets10.app",
	"com.superbahis", "com.superbetin",
	"com.mobilbahis", "com.mobilbahis.app",
	"com.tipobet", "com.tipobet365",
	"com.jojobet", "com.jojobet.app",
	"com.casinomaxi", "com.casinoslot",
	"com.matadorbet", "com.sahabet",
	"com.sekabet", "com.imajbet",
	"com.perabet", "com.piabet",
	"com.onwin", "com.restbet",
	"com.huuuge.casino", "com.huuuge.slots",
	"com.playtika.slotomania", "com.playtika.caesarscasino",
	"com.productmadness.hotslotsplus", "com.igt.slots",
	"com.bigfishgames.jackpotmagicslotsgooglefree",
	"com.aristocrat.lightning.link", "com.sg.interactive",
	"com.dragonplay.slotcity", "com.pharaohslegacy.slots",
	"com.zynga.poker", "com.ea.game.wsop_row",
	"com.me2zen.texasholdem", "com.kama.texasholdempoker",
}

var packageKeywords = []string{
	"bet", "bahis", "casino", "poker", "slot", "gambling",
	"kumar", "iddaa", "wager", "blackjack", "roulette",
	"baccarat", "jackpot", "sportsbook", "bookmaker",
}

var whitelistedPackages = []string{
	"com.google.android.youtube",
	"com.spotify.music",
	"com.netflix.mediaclient",
	"com.betblocker",
	"com.google.android.apps.nbu.paisa.user",
	"com.alphabet",
	"com.elizabeth.hairbet",
}
